package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationPendingAuthorizations is the DDL for the
// oauth_pending_authorizations table. It is safe to execute multiple times.
const MigrationPendingAuthorizations = `
CREATE TABLE IF NOT EXISTS oauth_pending_authorizations (
    state        TEXT PRIMARY KEY,
    provider_id  TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_oauth_pending_authorizations_expires_at
    ON oauth_pending_authorizations (expires_at);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGStateStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGStateStore keeps pending authorizations in PostgreSQL. Expiry is
// enforced by the queries through expires_at.
type PGStateStore struct {
	db pgConn
}

// NewPGStateStore creates a store over db. Use NewPGStateStoreFromPool in
// production.
func NewPGStateStore(db pgConn) *PGStateStore {
	return &PGStateStore{db: db}
}

// NewPGStateStoreFromPool creates a store backed by a pgx pool.
func NewPGStateStoreFromPool(pool *pgxpool.Pool) *PGStateStore {
	return &PGStateStore{db: &pgxPoolWrapper{pool: pool}}
}

// Migrate creates the table and index.
func (s *PGStateStore) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationPendingAuthorizations); err != nil {
		return fmt.Errorf("migrate oauth_pending_authorizations: %w", err)
	}
	return nil
}

func (s *PGStateStore) Save(ctx context.Context, p *PendingAuthorization, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `INSERT INTO oauth_pending_authorizations (state, provider_id, payload, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (state) DO UPDATE SET provider_id = EXCLUDED.provider_id,
                                  payload     = EXCLUDED.payload,
                                  created_at  = EXCLUDED.created_at,
                                  expires_at  = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, p.State, p.ProviderID, data, createdAt, createdAt.Add(ttl)); err != nil {
		return fmt.Errorf("save pending authorization: %w", err)
	}
	return nil
}

// Consume atomically deletes and returns the row with DELETE ... RETURNING.
func (s *PGStateStore) Consume(ctx context.Context, state string) (*PendingAuthorization, error) {
	const query = `DELETE FROM oauth_pending_authorizations
WHERE state = $1 AND expires_at > now()
RETURNING payload`

	var data []byte
	if err := s.db.QueryRow(ctx, query, state).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume pending authorization: %w", err)
	}

	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &p, nil
}

func (s *PGStateStore) Delete(ctx context.Context, state string) error {
	const query = `DELETE FROM oauth_pending_authorizations WHERE state = $1`
	if err := s.db.Exec(ctx, query, state); err != nil {
		return fmt.Errorf("delete pending authorization: %w", err)
	}
	return nil
}

// Cleanup deletes all expired rows.
func (s *PGStateStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM oauth_pending_authorizations WHERE expires_at <= now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup pending authorizations: %w", err)
	}
	return nil
}

// isNoRows works with both pgx.ErrNoRows and test doubles.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool, whose Exec also returns a command tag.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

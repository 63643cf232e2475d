package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/fhir-import/internal/platform/metrics"
)

// Refresher renews a connection's access token.
type Refresher interface {
	RefreshToken(ctx context.Context, conn *Connection) (*Connection, error)
}

// Session holds the live Connection for one import. It is safe for
// concurrent use by the per-type fetchers: concurrent refreshes of the same
// stale token collapse into one token request.
type Session struct {
	refresher Refresher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	leeway    time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	conn      *Connection
	state     State
	reauthErr error

	group singleflight.Group
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// RefreshLeeway makes Fresh renew a token this long before it expires.
	RefreshLeeway time.Duration
	Now           func() time.Time
}

// NewSession wraps conn. refresher may be nil, in which case any refresh
// fails with *ReauthenticationRequiredError.
func NewSession(conn *Connection, refresher Refresher, opts SessionOptions) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		refresher: refresher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		leeway:    opts.RefreshLeeway,
		now:       now,
		conn:      conn.Clone(),
		state:     StateAuthenticated,
	}
}

// Connection returns a copy of the current connection.
func (s *Session) Connection() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Clone()
}

// Token returns the current access token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.AccessToken
}

// Fresh returns the access token, refreshing it first when it has expired
// or is within the refresh leeway of expiring. Connections without a refresh
// token or an expiry are used as they are.
func (s *Session) Fresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.conn.AccessToken
	due := s.refresher != nil &&
		s.state == StateAuthenticated &&
		s.conn.RefreshToken != "" &&
		s.conn.NeedsRefresh(s.now(), s.leeway)
	s.mu.RUnlock()

	if !due {
		return tok, nil
	}
	s.logger.Debug().Msg("access token near expiry, refreshing")
	return s.Refresh(ctx, tok)
}

// State reports Authenticated, Refreshing or ReauthenticationRequired.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetPatientID records a patient id resolved after the token exchange.
func (s *Session) SetPatientID(id string) {
	s.mu.Lock()
	s.conn.PatientID = id
	s.mu.Unlock()
}

// Refresh renews the access token after stale was rejected. If another
// caller already replaced stale, the current token is returned without a
// network call. Once a refresh has failed every later call fails the same
// way.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.RLock()
	current, state, reauthErr := s.conn.AccessToken, s.state, s.reauthErr
	s.mu.RUnlock()

	if state == StateReauthenticationRequired {
		return "", reauthErr
	}
	if current != stale {
		s.metrics.Refresh(metrics.RefreshCoalesced)
		return current, nil
	}

	v, err, shared := s.group.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx, stale)
	})
	if shared {
		s.metrics.Refresh(metrics.RefreshCoalesced)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Session) doRefresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.conn.AccessToken != stale {
		tok := s.conn.AccessToken
		s.mu.Unlock()
		return tok, nil
	}
	if s.state == StateReauthenticationRequired {
		err := s.reauthErr
		s.mu.Unlock()
		return "", err
	}
	s.state = StateRefreshing
	conn := s.conn.Clone()
	s.mu.Unlock()

	var (
		next *Connection
		err  error
	)
	if s.refresher == nil {
		err = &ReauthenticationRequiredError{ProviderID: conn.ProviderID, ConnectionID: conn.ID.String(), Reason: "no refresher configured"}
	} else {
		next, err = s.refresher.RefreshToken(ctx, conn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.metrics.Refresh(metrics.RefreshFailure)
		if ctx.Err() != nil && !isReauth(err) {
			// Cancelled mid-refresh; the connection itself is still usable.
			s.state = StateAuthenticated
			return "", err
		}
		if !isReauth(err) {
			err = &ReauthenticationRequiredError{ProviderID: conn.ProviderID, ConnectionID: conn.ID.String(), Reason: "refresh failed", Err: err}
		}
		s.state = StateReauthenticationRequired
		s.reauthErr = err
		s.logger.Warn().Err(err).Str("connection_id", conn.ID.String()).Msg("session requires reauthentication")
		return "", err
	}

	s.metrics.Refresh(metrics.RefreshSuccess)
	next.PatientID = s.conn.PatientID
	s.conn = next
	s.state = StateAuthenticated
	return next.AccessToken, nil
}

func isReauth(err error) bool {
	return errors.Is(err, ErrReauthenticationRequired)
}

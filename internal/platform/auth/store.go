package auth

import (
	"context"
	"sync"
	"time"
)

// PendingAuthorization is what survives the redirect to the provider: the
// PKCE verifier and the request parameters the callback is checked against.
type PendingAuthorization struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	ProviderID   string    `json:"provider_id"`
	RedirectURI  string    `json:"redirect_uri"`
	Scope        string    `json:"scope"`
	Launch       string    `json:"launch,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// StateStore persists pending authorizations keyed by state. Consume is
// one-time: a second call for the same state returns nil. Missing and
// expired entries both return (nil, nil).
type StateStore interface {
	Save(ctx context.Context, p *PendingAuthorization, ttl time.Duration) error
	Consume(ctx context.Context, state string) (*PendingAuthorization, error)
	Delete(ctx context.Context, state string) error
}

type memoryEntry struct {
	pending   PendingAuthorization
	expiresAt time.Time
}

// MemoryStateStore provides thread-safe in-memory storage for pending
// authorizations. It only survives within one process.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStateStore) Save(_ context.Context, p *PendingAuthorization, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.State] = memoryEntry{pending: *p, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return nil, nil
	}
	delete(s.entries, state)
	if !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	p := e.pending
	return &p, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, state string) error {
	s.mu.Lock()
	delete(s.entries, state)
	s.mu.Unlock()
	return nil
}

// Cleanup removes expired entries.
func (s *MemoryStateStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, state)
		}
	}
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (s *MemoryStateStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Connection is one authenticated session with a provider. Refreshing
// replaces the token fields but never the ID or patient.
type Connection struct {
	ID           uuid.UUID `json:"id"`
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name"`
	BaseURL      string    `json:"base_url"`
	Scope        string    `json:"scope"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IDToken      string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RefreshedAt  time.Time `json:"refreshed_at,omitempty"`
}

// Clone returns an independent copy.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Scopes splits the granted scope string.
func (c *Connection) Scopes() []string {
	return strings.Fields(c.Scope)
}

// CanRefresh reports whether a refresh token is available.
func (c *Connection) CanRefresh() bool {
	return c.RefreshToken != ""
}

// NeedsRefresh reports whether the access token expires within leeway of
// now. A zero ExpiresAt means the server did not say, and is treated as
// still valid.
func (c *Connection) NeedsRefresh(now time.Time, leeway time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-leeway))
}

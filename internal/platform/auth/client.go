package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-import/internal/platform/provider"
)

const (
	DefaultStateTTL      = 10 * time.Minute
	DefaultRefreshLeeway = 60 * time.Second

	maxTokenBody = 1 << 20
)

// State is a position in the authorization state machine.
type State string

const (
	StateUnauthenticated          State = "unauthenticated"
	StateAuthorizationRequested   State = "authorization_requested"
	StateAuthenticated            State = "authenticated"
	StateRefreshing               State = "refreshing"
	StateReauthenticationRequired State = "reauthentication_required"
)

// Redirector sends the user agent to the authorization URL. It is the only
// navigation the flow performs.
type Redirector interface {
	Redirect(ctx context.Context, authorizationURL string) error
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, authorizationURL string) error

func (f RedirectFunc) Redirect(ctx context.Context, authorizationURL string) error {
	return f(ctx, authorizationURL)
}

// ClientConfig holds the per-application settings of a Client.
type ClientConfig struct {
	ClientID    string
	RedirectURI string
	// HTTPClient is used for token requests. nil uses a client with a 30s timeout.
	HTTPClient *http.Client
	// Store keeps PKCE verifiers across the redirect. nil uses an in-memory store.
	Store         StateStore
	StateTTL      time.Duration
	RefreshLeeway time.Duration
	Redirector    Redirector
	// Locale picks the provider display name stored on connections.
	Locale string
	Logger zerolog.Logger
	Now    func() time.Time
}

// AuthorizationRequest is the result of BuildAuthorizationRequest. The
// verifier itself stays in the state store.
type AuthorizationRequest struct {
	URL           string
	State         string
	CodeChallenge string
	Scope         string
	ExpiresAt     time.Time
}

// CallbackParams are the values a provider appends to the redirect URI.
type CallbackParams struct {
	Code  string
	State string
}

// Client runs the OAuth2 Authorization Code + PKCE flow against exactly one
// provider.
type Client struct {
	desc   provider.Descriptor
	cfg    ClientConfig
	http   *http.Client
	store  StateStore
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewClient validates the descriptor and client settings.
func NewClient(desc provider.Descriptor, cfg ClientConfig) (*Client, error) {
	if err := desc.Validate(); err != nil {
		return nil, &ConfigurationError{ProviderID: desc.ID, Reason: "invalid provider descriptor", Err: err}
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, &ConfigurationError{ProviderID: desc.ID, Reason: "client id is required"}
	}
	if u, err := url.Parse(cfg.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ConfigurationError{ProviderID: desc.ID, Reason: "redirect URI must be absolute"}
	}

	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.RefreshLeeway <= 0 {
		cfg.RefreshLeeway = DefaultRefreshLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStateStore()
	}

	return &Client{
		desc:   desc,
		cfg:    cfg,
		http:   httpClient,
		store:  store,
		logger: cfg.Logger.With().Str("provider", desc.ID).Logger(),
		now:    cfg.Now,
		state:  StateUnauthenticated,
	}, nil
}

// Provider returns the descriptor the client was built for.
func (c *Client) Provider() provider.Descriptor { return c.desc }

// State reports the client's position in the authorization flow.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// requestedScope is the descriptor's scopes plus "launch" when an EHR
// launch token is present.
func (c *Client) requestedScope(launch string) string {
	scopes := slices.Clone(c.desc.Scopes)
	if launch != "" && !slices.Contains(scopes, "launch") {
		scopes = append(scopes, "launch")
	}
	return strings.Join(scopes, " ")
}

// BuildAuthorizationRequest generates PKCE material and a state token,
// persists the verifier under the state and returns the authorization URL.
// It makes no network call.
func (c *Client) BuildAuthorizationRequest(ctx context.Context, launch string) (*AuthorizationRequest, error) {
	launch = strings.TrimSpace(launch)
	if c.desc.LaunchRequired && launch == "" {
		return nil, &ConfigurationError{ProviderID: c.desc.ID, Reason: "provider requires an EHR launch context but none was supplied"}
	}

	pkce, err := NewPKCE()
	if err != nil {
		return nil, err
	}
	state, err := newState()
	if err != nil {
		return nil, err
	}
	scope := c.requestedScope(launch)
	now := c.now()

	pending := &PendingAuthorization{
		State:        state,
		CodeVerifier: pkce.Verifier,
		ProviderID:   c.desc.ID,
		RedirectURI:  c.cfg.RedirectURI,
		Scope:        scope,
		Launch:       launch,
		CreatedAt:    now,
	}
	if err := c.store.Save(ctx, pending, c.cfg.StateTTL); err != nil {
		return nil, fmt.Errorf("persisting authorization state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", scope)
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", pkce.Method)
	q.Set("aud", c.desc.Aud())
	if launch != "" {
		q.Set("launch", launch)
	}

	authURL, err := url.Parse(c.desc.AuthorizeURL)
	if err != nil {
		return nil, &ConfigurationError{ProviderID: c.desc.ID, Reason: "invalid authorize URL", Err: err}
	}
	// Keep any query the provider's authorize URL already carries.
	merged := authURL.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	authURL.RawQuery = merged.Encode()

	c.setState(StateAuthorizationRequested)
	c.logger.Info().Bool("launch", launch != "").Msg("authorization request built")

	return &AuthorizationRequest{
		URL:           authURL.String(),
		State:         state,
		CodeChallenge: pkce.Challenge,
		Scope:         scope,
		ExpiresAt:     now.Add(c.cfg.StateTTL),
	}, nil
}

// BeginAuthorization builds the request and hands the URL to the
// configured Redirector.
func (c *Client) BeginAuthorization(ctx context.Context, launch string) (*AuthorizationRequest, error) {
	if c.cfg.Redirector == nil {
		return nil, &ConfigurationError{ProviderID: c.desc.ID, Reason: "no redirector configured"}
	}
	req, err := c.BuildAuthorizationRequest(ctx, launch)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Redirector.Redirect(ctx, req.URL); err != nil {
		_ = c.store.Delete(ctx, req.State)
		return nil, fmt.Errorf("redirecting to provider: %w", err)
	}
	return req, nil
}

// AbandonAuthorization clears a pending authorization, e.g. when the user
// backs out of the provider's login page.
func (c *Client) AbandonAuthorization(ctx context.Context, state string) error {
	if err := c.store.Delete(ctx, state); err != nil {
		return err
	}
	c.setState(StateUnauthenticated)
	return nil
}

// Disconnect forgets the client's authenticated state. Tokens held by the
// caller should be discarded too.
func (c *Client) Disconnect() {
	c.setState(StateUnauthenticated)
}

// ParseCallback extracts code and state from a redirect URI. An OAuth error
// response becomes an *AuthExchangeError.
func ParseCallback(rawURL string) (*CallbackParams, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing callback url: %w", err)
	}
	return ParseCallbackQuery(u.Query())
}

// ParseCallbackQuery is ParseCallback for already-parsed query values.
func ParseCallbackQuery(q url.Values) (*CallbackParams, error) {
	if code := q.Get("error"); code != "" {
		return nil, &AuthExchangeError{
			OAuth: &OAuthError{
				Code:        code,
				Description: q.Get("error_description"),
				URI:         q.Get("error_uri"),
			},
			Reason: "authorization denied",
		}
	}
	p := &CallbackParams{Code: q.Get("code"), State: q.Get("state")}
	if p.State == "" {
		return nil, &StateMismatchError{Reason: "callback has no state"}
	}
	if p.Code == "" {
		return nil, &AuthExchangeError{Reason: "callback has no authorization code"}
	}
	return p, nil
}

// ExchangeCodeForToken validates state against the stored pending
// authorization and trades the code and verifier for tokens. A state that
// does not match fails with *StateMismatchError before any request is
// made. The pending authorization is consumed either way.
func (c *Client) ExchangeCodeForToken(ctx context.Context, code, state string) (*Connection, error) {
	pending, err := c.store.Consume(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("loading authorization state: %w", err)
	}
	if pending == nil {
		c.logger.Warn().Msg("callback state unknown or expired")
		return nil, &StateMismatchError{Reason: "state is unknown or expired"}
	}
	if subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return nil, &StateMismatchError{Reason: "state does not match"}
	}
	if pending.ProviderID != c.desc.ID {
		c.logger.Warn().Str("issued_for", pending.ProviderID).Msg("callback state issued for another provider")
		return nil, &StateMismatchError{Reason: "state was issued for a different provider"}
	}
	if pending.RedirectURI != c.cfg.RedirectURI {
		return nil, &StateMismatchError{Reason: "state was issued for a different redirect URI"}
	}
	if !validVerifier(pending.CodeVerifier) {
		return nil, &StateMismatchError{Reason: "stored code verifier is invalid"}
	}
	if code == "" {
		return nil, &AuthExchangeError{ProviderID: c.desc.ID, Reason: "missing authorization code"}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", pending.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("code_verifier", pending.CodeVerifier)

	tr, err := c.postToken(ctx, form)
	if err != nil {
		c.logger.Error().Err(err).Msg("token exchange failed")
		return nil, err
	}

	now := c.now()
	conn := &Connection{
		ID:           uuid.New(),
		ProviderID:   c.desc.ID,
		ProviderName: c.desc.DisplayName(c.cfg.Locale),
		BaseURL:      strings.TrimRight(c.desc.BaseURL, "/"),
		Scope:        tr.Scope,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		PatientID:    patientFromToken(tr),
		CreatedAt:    now,
	}
	if conn.Scope == "" {
		conn.Scope = pending.Scope
	}
	if tr.ExpiresIn > 0 {
		conn.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	c.setState(StateAuthenticated)
	c.logger.Info().
		Str("connection_id", conn.ID.String()).
		Bool("refreshable", conn.CanRefresh()).
		Bool("patient_context", conn.PatientID != "").
		Msg("token exchange complete")
	return conn, nil
}

// RefreshToken exchanges the refresh token for a new access token. Any
// failure, including a missing refresh token, is a
// *ReauthenticationRequiredError except context cancellation.
func (c *Client) RefreshToken(ctx context.Context, conn *Connection) (*Connection, error) {
	if conn == nil || !conn.CanRefresh() {
		id := ""
		if conn != nil {
			id = conn.ID.String()
		}
		return nil, &ReauthenticationRequiredError{ProviderID: c.desc.ID, ConnectionID: id, Reason: "no refresh token"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)

	tr, err := c.postToken(ctx, form)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn().Err(err).Str("connection_id", conn.ID.String()).Msg("token refresh rejected")
		return nil, &ReauthenticationRequiredError{
			ProviderID:   c.desc.ID,
			ConnectionID: conn.ID.String(),
			Reason:       "refresh failed",
			Err:          err,
		}
	}

	now := c.now()
	next := conn.Clone()
	next.AccessToken = tr.AccessToken
	next.RefreshedAt = now
	next.ExpiresAt = time.Time{}
	if tr.ExpiresIn > 0 {
		next.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.RefreshToken != "" {
		next.RefreshToken = tr.RefreshToken
	}
	if tr.Scope != "" {
		next.Scope = tr.Scope
	}
	if tr.IDToken != "" {
		next.IDToken = tr.IDToken
	}
	c.logger.Debug().Str("connection_id", conn.ID.String()).Msg("access token refreshed")
	return next, nil
}

// EnsureFresh refreshes conn only when its token is expired or within the
// configured leeway of expiring.
func (c *Client) EnsureFresh(ctx context.Context, conn *Connection) (*Connection, error) {
	if !conn.NeedsRefresh(c.now(), c.cfg.RefreshLeeway) {
		return conn, nil
	}
	return c.RefreshToken(ctx, conn)
}

// postToken POSTs a form to the token endpoint. Every failure comes back as
// an *AuthExchangeError.
func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthExchangeError{ProviderID: c.desc.ID, Reason: "building token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AuthExchangeError{ProviderID: c.desc.ID, Reason: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, &AuthExchangeError{ProviderID: c.desc.ID, StatusCode: resp.StatusCode, Reason: "reading token response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		xerr := &AuthExchangeError{ProviderID: c.desc.ID, StatusCode: resp.StatusCode, Reason: "token endpoint rejected the request"}
		if oe := decodeOAuthError(body); oe != nil {
			xerr.OAuth = oe
		}
		return nil, xerr
	}

	tr, err := decodeTokenResponse(body)
	if err != nil {
		return nil, &AuthExchangeError{ProviderID: c.desc.ID, StatusCode: resp.StatusCode, Reason: "malformed token response", Err: err}
	}
	return tr, nil
}

func decodeOAuthError(body []byte) *OAuthError {
	var oe OAuthError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Code == "" {
		return nil
	}
	return &oe
}

// IsFatal reports whether err must abort an import attempt.
func IsFatal(err error) bool {
	var (
		cfgErr *ConfigurationError
		xerr   *AuthExchangeError
	)
	return errors.Is(err, ErrReauthenticationRequired) ||
		errors.Is(err, ErrStateMismatch) ||
		errors.As(err, &cfgErr) ||
		errors.As(err, &xerr)
}

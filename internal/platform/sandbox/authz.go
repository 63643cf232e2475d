package sandbox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/fhir"
)

const (
	defaultCodeTTL    = 5 * time.Minute
	defaultTokenTTL   = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

// Client is an application registered with the sandbox. A client without a
// secret is public and must use PKCE.
type Client struct {
	ID           string
	Secret       string
	RedirectURIs []string
}

// TokenResponse is the token endpoint payload with the SMART context
// parameters.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// OAuthError is an RFC 6749 error body.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AccessClaims are carried in sandbox access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	Patient  string `json:"patient,omitempty"`
	FHIRUser string `json:"fhirUser,omitempty"`
	// Generation ties a token to the key epoch; ExpireTokens bumps it.
	Generation int `json:"gen"`
}

type idClaims struct {
	jwt.RegisteredClaims
	FHIRUser string `json:"fhirUser,omitempty"`
	Patient  string `json:"patient,omitempty"`
}

type authCode struct {
	clientID    string
	redirectURI string
	scope       string
	patientID   string
	challenge   string
	expiresAt   time.Time
}

type refreshGrant struct {
	clientID  string
	scope     string
	patientID string
	expiresAt time.Time
}

type launchContext struct {
	patientID string
	expiresAt time.Time
}

// authServer is the sandbox SMART authorization server. With no registered
// clients it accepts any client id as a public client.
type authServer struct {
	mu       sync.Mutex
	clients  map[string]Client
	codes    map[string]*authCode
	refresh  map[string]*refreshGrant
	launches map[string]*launchContext

	key        []byte
	tokenTTL   time.Duration
	codeTTL    time.Duration
	refreshTTL time.Duration
	generation int
	// rejectRefresh makes every refresh_token grant fail with invalid_grant.
	rejectRefresh bool

	patients *Dataset
	now      func() time.Time
}

func newAuthServer(cfg Config, data *Dataset) *authServer {
	a := &authServer{
		clients:       make(map[string]Client, len(cfg.Clients)),
		codes:         make(map[string]*authCode),
		refresh:       make(map[string]*refreshGrant),
		launches:      make(map[string]*launchContext),
		key:           cfg.SigningKey,
		tokenTTL:      cfg.TokenTTL,
		codeTTL:       defaultCodeTTL,
		refreshTTL:    defaultRefreshTTL,
		rejectRefresh: cfg.Faults.RejectRefresh,
		patients:      data,
		now:           cfg.Now,
	}
	for _, c := range cfg.Clients {
		a.clients[c.ID] = c
	}
	return a
}

func (a *authServer) client(id string) (Client, bool) {
	if len(a.clients) == 0 {
		return Client{ID: id}, id != ""
	}
	c, ok := a.clients[id]
	return c, ok
}

func validRedirect(c Client, uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	return len(c.RedirectURIs) == 0 || slices.Contains(c.RedirectURIs, uri)
}

var contextScopes = map[string]bool{
	"openid":         true,
	"fhirUser":       true,
	"profile":        true,
	"launch":         true,
	"launch/patient": true,
	"offline_access": true,
}

// checkScope rejects scopes the sandbox does not recognize. Unlike a
// production server it grants everything it understands.
func checkScope(scope string) error {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return errors.New("no scopes requested")
	}
	for _, s := range fields {
		if contextScopes[s] {
			continue
		}
		if _, err := auth.ParseSMARTScope(s); err != nil {
			return fmt.Errorf("invalid scope %q", s)
		}
	}
	return nil
}

func hasScope(scope, target string) bool {
	return slices.Contains(strings.Fields(scope), target)
}

type authorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Aud                 string
	Launch              string
	CodeChallenge       string
	CodeChallengeMethod string
	// Patient picks the chart for a standalone launch; empty selects the
	// first seeded patient.
	Patient string
}

// authorize approves the request immediately, as if the user had signed in
// and consented, and returns the authorization code.
func (a *authServer) authorize(req *authorizeRequest, audience string) (string, error) {
	if req.ResponseType != "code" {
		return "", &OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'"}
	}
	if req.Aud != "" && strings.TrimRight(req.Aud, "/") != audience {
		return "", &OAuthError{Code: "invalid_request", Description: "aud does not name this FHIR server"}
	}
	if err := checkScope(req.Scope); err != nil {
		return "", &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != auth.ChallengeMethodS256 {
		return "", &OAuthError{Code: "invalid_request", Description: "code_challenge_method must be S256"}
	}

	client, _ := a.client(req.ClientID)
	if client.Secret == "" && req.CodeChallenge == "" {
		return "", &OAuthError{Code: "invalid_request", Description: "PKCE is required for public clients"}
	}

	patientID := ""
	switch {
	case req.Launch != "":
		a.mu.Lock()
		lc, ok := a.launches[req.Launch]
		delete(a.launches, req.Launch)
		a.mu.Unlock()
		if !ok || a.now().After(lc.expiresAt) {
			return "", &OAuthError{Code: "invalid_request", Description: "invalid or expired launch context"}
		}
		patientID = lc.patientID
	case hasScope(req.Scope, "launch"):
		return "", &OAuthError{Code: "invalid_request", Description: "launch scope requires a launch parameter"}
	case hasScope(req.Scope, "launch/patient"):
		patientID = req.Patient
		if patientID == "" {
			patientID = a.patients.PatientIDs()[0]
		}
		if _, ok := a.patients.Chart(patientID); !ok {
			return "", &OAuthError{Code: "invalid_request", Description: "unknown patient"}
		}
	}

	code, err := randomHex(32)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.codes[code] = &authCode{
		clientID:    req.ClientID,
		redirectURI: req.RedirectURI,
		scope:       req.Scope,
		patientID:   patientID,
		challenge:   req.CodeChallenge,
		expiresAt:   a.now().Add(a.codeTTL),
	}
	a.mu.Unlock()
	return code, nil
}

type tokenRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// exchange redeems an authorization code. Codes are single use.
func (a *authServer) exchange(req *tokenRequest, issuer string) (*TokenResponse, error) {
	a.mu.Lock()
	ac, ok := a.codes[req.Code]
	delete(a.codes, req.Code)
	a.mu.Unlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or already used authorization code"}
	}
	if a.now().After(ac.expiresAt) {
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code has expired"}
	}
	if ac.redirectURI != req.RedirectURI {
		return nil, &OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	}
	if ac.clientID != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}

	client, ok := a.client(req.ClientID)
	if !ok {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}
	if client.Secret != "" && subtle.ConstantTimeCompare([]byte(req.ClientSecret), []byte(client.Secret)) != 1 {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}
	if ac.challenge != "" {
		if req.CodeVerifier == "" {
			return nil, &OAuthError{Code: "invalid_grant", Description: "code_verifier is required"}
		}
		if !auth.VerifyS256(req.CodeVerifier, ac.challenge) {
			return nil, &OAuthError{Code: "invalid_grant", Description: "PKCE verification failed"}
		}
	}

	resp, err := a.issue(issuer, ac.clientID, ac.scope, ac.patientID)
	if err != nil {
		return nil, err
	}
	if hasScope(ac.scope, "offline_access") {
		rt, err := randomHex(32)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.refresh[rt] = &refreshGrant{
			clientID:  ac.clientID,
			scope:     ac.scope,
			patientID: ac.patientID,
			expiresAt: a.now().Add(a.refreshTTL),
		}
		a.mu.Unlock()
		resp.RefreshToken = rt
	}
	return resp, nil
}

// refreshAccess issues a new access token. The refresh token is not rotated.
func (a *authServer) refreshAccess(token, clientID, issuer string) (*TokenResponse, error) {
	a.mu.Lock()
	grant, ok := a.refresh[token]
	reject := a.rejectRefresh
	if ok && a.now().After(grant.expiresAt) {
		delete(a.refresh, token)
		ok = false
	}
	a.mu.Unlock()

	if reject || !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or expired refresh token"}
	}
	if grant.clientID != clientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}

	resp, err := a.issue(issuer, grant.clientID, grant.scope, grant.patientID)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = token
	return resp, nil
}

func (a *authServer) issue(issuer, clientID, scope, patientID string) (*TokenResponse, error) {
	now := a.now()
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{issuer + "/fhir"},
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:      scope,
		Patient:    patientID,
		Generation: gen,
	}
	if patientID != "" {
		claims.FHIRUser = fhir.FormatReference(fhir.ResourcePatient, patientID)
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(a.tokenTTL.Seconds()),
		Scope:       scope,
		Patient:     patientID,
	}
	if hasScope(scope, "openid") {
		id := idClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   patientID,
				Audience:  jwt.ClaimStrings{clientID},
				ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
			FHIRUser: claims.FHIRUser,
			Patient:  patientID,
		}
		resp.IDToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, id).SignedString(a.key)
		if err != nil {
			return nil, fmt.Errorf("signing id token: %w", err)
		}
	}
	return resp, nil
}

// verify validates a bearer access token.
func (a *authServer) verify(token, issuer string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(issuer+"/fhir"),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	current := a.generation
	a.mu.Unlock()
	if claims.Generation != current {
		return nil, errors.New("token has been expired by the server")
	}
	return claims, nil
}

func (a *authServer) createLaunch(patientID string) (string, error) {
	if _, ok := a.patients.Chart(patientID); !ok {
		return "", &OAuthError{Code: "invalid_request", Description: "unknown patient"}
	}
	id, err := randomHex(16)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.launches[id] = &launchContext{patientID: patientID, expiresAt: a.now().Add(a.codeTTL)}
	a.mu.Unlock()
	return id, nil
}

func (a *authServer) expireTokens() {
	a.mu.Lock()
	a.generation++
	a.mu.Unlock()
}

func (a *authServer) setRejectRefresh(v bool) {
	a.mu.Lock()
	a.rejectRefresh = v
	a.mu.Unlock()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random value: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HTTP handlers

func (s *Server) handleAuthorize(c echo.Context) error {
	req := &authorizeRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Aud:                 c.QueryParam("aud"),
		Launch:              c.QueryParam("launch"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
		Patient:             c.QueryParam("patient"),
	}

	client, ok := s.authz.client(req.ClientID)
	if !ok || !validRedirect(client, req.RedirectURI) {
		// Never redirect to an unverified URI.
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "unknown client or redirect_uri"})
	}
	if req.State == "" {
		return redirectWithError(c, req.RedirectURI, "invalid_request", "state is required", "")
	}

	code, err := s.authz.authorize(req, s.issuer(c)+"/fhir")
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			return redirectWithError(c, req.RedirectURI, oe.Code, oe.Description, req.State)
		}
		return redirectWithError(c, req.RedirectURI, "server_error", "internal server error", req.State)
	}

	u, _ := url.Parse(req.RedirectURI)
	q := u.Query()
	q.Set("code", code)
	q.Set("state", req.State)
	u.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, u.String())
}

func redirectWithError(c echo.Context, redirectURI, code, desc, state string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: code, Description: desc})
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, u.String())
}

func (s *Server) handleToken(c echo.Context) error {
	clientID, secret, ok := c.Request().BasicAuth()
	if !ok || clientID == "" {
		clientID, secret = c.FormValue("client_id"), c.FormValue("client_secret")
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch c.FormValue("grant_type") {
	case "authorization_code":
		resp, err = s.authz.exchange(&tokenRequest{
			Code:         c.FormValue("code"),
			RedirectURI:  c.FormValue("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: secret,
			CodeVerifier: c.FormValue("code_verifier"),
		}, s.issuer(c))
	case "refresh_token":
		rt := c.FormValue("refresh_token")
		if rt == "" {
			return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "refresh_token is required"})
		}
		resp, err = s.authz.refreshAccess(rt, clientID, s.issuer(c))
	default:
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'authorization_code' or 'refresh_token'",
		})
	}

	if err != nil {
		var oe *OAuthError
		if !errors.As(err, &oe) {
			s.logger.Error().Err(err).Msg("token endpoint failure")
			return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "internal server error"})
		}
		status := http.StatusBadRequest
		if oe.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		return c.JSON(status, oe)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, resp)
}

// handleLaunch creates an EHR launch context for a seeded patient, standing
// in for the EHR user opening the app from a chart.
func (s *Server) handleLaunch(c echo.Context) error {
	var req struct {
		PatientID string `json:"patient_id" form:"patient_id"`
	}
	if err := c.Bind(&req); err != nil || req.PatientID == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "patient_id is required"})
	}
	id, err := s.authz.createLaunch(req.PatientID)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			return c.JSON(http.StatusBadRequest, oe)
		}
		return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "failed to create launch context"})
	}
	return c.JSON(http.StatusOK, map[string]string{"launch": id, "iss": s.issuer(c) + "/fhir"})
}

func (s *Server) handleSMARTConfiguration(c echo.Context) error {
	iss := s.issuer(c)
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                 iss,
		"authorization_endpoint": iss + "/auth/authorize",
		"token_endpoint":         iss + "/auth/token",
		"scopes_supported": []string{
			"openid", "fhirUser", "launch", "launch/patient", "offline_access",
			"patient/*.read", "patient/*.rs",
		},
		"response_types_supported": []string{"code"},
		"capabilities": []string{
			"launch-ehr",
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"context-ehr-patient",
			"context-standalone-patient",
			"permission-patient",
			"permission-offline",
			"sso-openid-connect",
		},
		"code_challenge_methods_supported":      []string{auth.ChallengeMethodS256},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

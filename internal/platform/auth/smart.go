package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/provider"
)

// SMARTConfiguration represents the SMART on FHIR well-known configuration
// as defined by the SMART App Launch Framework (HL7).
type SMARTConfiguration struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	GrantTypes                    []string `json:"grant_types_supported,omitempty"`
	Scopes                        []string `json:"scopes_supported,omitempty"`
	ResponseTypes                 []string `json:"response_types_supported,omitempty"`
	Capabilities                  []string `json:"capabilities,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// SupportsS256 reports whether the server advertises S256 PKCE.
func (c *SMARTConfiguration) SupportsS256() bool {
	return slices.Contains(c.CodeChallengeMethodsSupported, ChallengeMethodS256)
}

// Discover fetches {baseURL}/.well-known/smart-configuration. Servers that
// do not advertise S256 are rejected with *ConfigurationError.
func Discover(ctx context.Context, httpClient *http.Client, baseURL string) (*SMARTConfiguration, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching smart-configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("smart-configuration returned HTTP %d", resp.StatusCode)}
	}

	var cfg SMARTConfiguration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&cfg); err != nil {
		return nil, &ConfigurationError{Reason: "malformed smart-configuration", Err: err}
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, &ConfigurationError{Reason: "smart-configuration lacks authorization or token endpoint"}
	}
	if !cfg.SupportsS256() {
		return nil, &ConfigurationError{Reason: "server does not support S256 PKCE"}
	}
	return &cfg, nil
}

// ApplyDiscovery fills endpoints the descriptor leaves empty. Endpoints the
// descriptor already declares win.
func ApplyDiscovery(desc provider.Descriptor, cfg *SMARTConfiguration) provider.Descriptor {
	if cfg == nil {
		return desc
	}
	if desc.AuthorizeURL == "" {
		desc.AuthorizeURL = cfg.AuthorizationEndpoint
	}
	if desc.TokenURL == "" {
		desc.TokenURL = cfg.TokenEndpoint
	}
	return desc
}

// SMARTScope represents a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<permissions>
// Examples: patient/Condition.read, patient/*.read, patient/Observation.rs
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Condition", "*"
	Permissions  string // v1 "read"/"write"/"*" or v2 letters "cruds"
}

// ParseSMARTScope parses a resource scope. Non-resource scopes such as
// "openid" or "launch/patient" return an error.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q", ctx)
	}

	// SMART v2 permission strings may carry a query suffix whose values
	// contain dots of their own.
	if q := strings.IndexByte(remainder, '?'); q >= 0 {
		remainder = remainder[:q]
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing permissions", scope)
	}
	resourceType := remainder[:dotIdx]
	perms := remainder[dotIdx+1:]
	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}
	if perms == "" {
		return nil, fmt.Errorf("invalid scope %q: empty permissions", scope)
	}

	return &SMARTScope{Context: ctx, ResourceType: resourceType, Permissions: perms}, nil
}

// allowsSearch reports whether the permissions cover reading via search.
func (s SMARTScope) allowsSearch() bool {
	switch s.Permissions {
	case "read", "*":
		return true
	case "write":
		return false
	}
	return strings.ContainsRune(s.Permissions, 'r') && strings.ContainsRune(s.Permissions, 's')
}

// ScopeGrantsRead reports whether a granted scope string allows searching
// resourceType. An empty grant is treated as permissive because some
// servers omit scope from token responses.
func ScopeGrantsRead(granted, resourceType string) bool {
	fields := strings.Fields(granted)
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		s, err := ParseSMARTScope(f)
		if err != nil {
			continue
		}
		if (s.ResourceType == "*" || s.ResourceType == resourceType) && s.allowsSearch() {
			return true
		}
	}
	return false
}

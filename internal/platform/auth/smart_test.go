package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/.well-known/smart-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(SMARTConfiguration{
			AuthorizationEndpoint:         "https://ehr.test/authorize",
			TokenEndpoint:                 "https://ehr.test/token",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	}))
	defer srv.Close()

	cfg, err := Discover(context.Background(), srv.Client(), srv.URL+"/fhir/")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if cfg.TokenEndpoint != "https://ehr.test/token" {
		t.Errorf("TokenEndpoint = %q", cfg.TokenEndpoint)
	}

	desc := ApplyDiscovery(testDescriptor(""), cfg)
	if desc.TokenURL != "https://ehr.test/token" {
		t.Errorf("ApplyDiscovery did not fill TokenURL: %q", desc.TokenURL)
	}
	if desc.AuthorizeURL != "https://ehr.test/oauth2/authorize?tenant=t1" {
		t.Errorf("ApplyDiscovery overwrote AuthorizeURL: %q", desc.AuthorizeURL)
	}
}

func TestDiscover_RejectsPlainPKCE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SMARTConfiguration{
			AuthorizationEndpoint:         "https://ehr.test/authorize",
			TokenEndpoint:                 "https://ehr.test/token",
			CodeChallengeMethodsSupported: []string{"plain"},
		})
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := Discover(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseSMARTScope(t *testing.T) {
	tests := []struct {
		scope    string
		wantErr  bool
		wantType string
		wantPerm string
	}{
		{"patient/Condition.read", false, "Condition", "read"},
		{"patient/*.read", false, "*", "read"},
		{"user/Observation.rs", false, "Observation", "rs"},
		{"patient/Observation.rs?category=laboratory", false, "Observation", "rs"},
		{"patient/Observation.rs?category=http://terminology.hl7.org/CodeSystem/observation-category|laboratory", false, "Observation", "rs"},
		{"patient/Observation?category=a.b", true, "", ""},
		{"openid", true, "", ""},
		{"launch/patient", true, "", ""},
		{"patient/.read", true, "", ""},
		{"clinic/Condition.read", true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			got, err := ParseSMARTScope(tt.scope)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ResourceType != tt.wantType || got.Permissions != tt.wantPerm {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestScopeGrantsRead(t *testing.T) {
	tests := []struct {
		granted string
		rt      string
		want    bool
	}{
		{"", "Condition", true},
		{"openid patient/*.read", "Immunization", true},
		{"patient/Condition.read", "Condition", true},
		{"patient/Condition.read", "Observation", false},
		{"patient/Observation.rs", "Observation", true},
		{"patient/Observation.rs?category=http://terminology.hl7.org/CodeSystem/observation-category|laboratory", "Observation", true},
		{"patient/Observation.r", "Observation", false},
		{"patient/Observation.write", "Observation", false},
		{"launch/patient openid", "Condition", false},
	}
	for _, tt := range tests {
		if got := ScopeGrantsRead(tt.granted, tt.rt); got != tt.want {
			t.Errorf("ScopeGrantsRead(%q, %q) = %v, want %v", tt.granted, tt.rt, got, tt.want)
		}
	}
}

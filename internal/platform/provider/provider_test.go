package provider

import (
	"errors"
	"testing"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

func validDescriptor() Descriptor {
	return Descriptor{
		ID:            "test",
		DisplayNames:  map[string]string{"en": "Test EHR", "es": "EHR de prueba", "es-MX": "EHR de prueba (MX)"},
		BaseURL:       "https://ehr.test/fhir",
		AuthorizeURL:  "https://ehr.test/authorize",
		TokenURL:      "https://ehr.test/token",
		Scopes:        []string{"patient/*.read"},
		ResourceTypes: []fhir.ResourceType{fhir.ResourceCondition},
	}
}

func TestDescriptor_DisplayName(t *testing.T) {
	d := validDescriptor()
	tests := []struct {
		locale string
		want   string
	}{
		{"en", "Test EHR"},
		{"en-US", "Test EHR"},
		{"es", "EHR de prueba"},
		{"es-MX", "EHR de prueba (MX)"},
		{"fr", "Test EHR"},
		{"", "Test EHR"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			if got := d.DisplayName(tt.locale); got != tt.want {
				t.Errorf("DisplayName(%q) = %q, want %q", tt.locale, got, tt.want)
			}
		})
	}

	if got := (Descriptor{ID: "bare"}).DisplayName("en"); got != "bare" {
		t.Errorf("expected id fallback, got %q", got)
	}
}

func TestDescriptor_Aud(t *testing.T) {
	d := validDescriptor()
	if d.Aud() != d.BaseURL {
		t.Errorf("Aud() = %q, want base URL", d.Aud())
	}
	d.Audience = "https://aud.test"
	if d.Aud() != "https://aud.test" {
		t.Errorf("Aud() = %q", d.Aud())
	}
}

func TestDescriptor_Validate(t *testing.T) {
	if err := validDescriptor().Validate(); err != nil {
		t.Fatalf("valid descriptor: %v", err)
	}

	bad := validDescriptor()
	bad.TokenURL = ""
	bad.AuthorizeURL = "/relative"
	bad.Scopes = nil
	err := bad.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Problems) != 3 {
		t.Errorf("expected 3 problems, got %v", verr.Problems)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(validDescriptor())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	d, err := r.Lookup("test")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	d.Scopes[0] = "mutated"
	d.DisplayNames["en"] = "mutated"

	again, _ := r.Lookup("test")
	if again.Scopes[0] != "patient/*.read" || again.DisplayNames["en"] != "Test EHR" {
		t.Error("registry descriptor was mutated through a returned copy")
	}

	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestNewRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	if _, err := NewRegistry(validDescriptor(), validDescriptor()); err == nil {
		t.Error("expected duplicate id error")
	}
	bad := validDescriptor()
	bad.BaseURL = ""
	if _, err := NewRegistry(bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestDefault(t *testing.T) {
	r := Default("http://127.0.0.1:9000/")
	if r.Len() != 5 {
		t.Fatalf("expected 5 providers, got %d", r.Len())
	}

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("List not sorted: %s >= %s", list[i-1].ID, list[i].ID)
		}
	}

	local, err := r.Lookup(LocalSandboxID)
	if err != nil {
		t.Fatalf("Lookup local: %v", err)
	}
	if local.BaseURL != "http://127.0.0.1:9000/fhir" {
		t.Errorf("local BaseURL = %q", local.BaseURL)
	}

	if r.Supports(CernerSandboxID, fhir.ResourceImmunization) {
		t.Error("cerner sandbox should not declare Immunization")
	}
	if !r.Supports(EpicSandboxID, fhir.ResourceImmunization) {
		t.Error("epic sandbox should declare Immunization")
	}
	if r.Supports("nope", fhir.ResourceCondition) {
		t.Error("unknown provider supports nothing")
	}

	launch, _ := r.Lookup(LocalEHRLaunchID)
	if !launch.LaunchRequired {
		t.Error("ehr-launch provider must require launch")
	}
}

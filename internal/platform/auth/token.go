package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// tokenResponse is the OAuth2 token response with SMART extensions.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    flexInt `json:"expires_in"`
	Scope        string  `json:"scope"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	Patient      string  `json:"patient,omitempty"`
	Encounter    string  `json:"encounter,omitempty"`
	IDToken      string  `json:"id_token,omitempty"`
}

// flexInt accepts expires_in as a JSON number or a numeric string; both
// appear in the wild.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("expires_in: %w", err)
		}
		*f = flexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := n.Float64()
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*f = flexInt(v)
	return nil
}

// decodeTokenResponse parses and checks a 2xx token endpoint body.
func decodeTokenResponse(body []byte) (*tokenResponse, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	if !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token_type %q", tr.TokenType)
	}
	if tr.ExpiresIn < 0 {
		return nil, fmt.Errorf("negative expires_in")
	}
	return &tr, nil
}

// IDTokenClaims are the identity claims a SMART id_token may carry.
type IDTokenClaims struct {
	Subject  string
	Patient  string
	FHIRUser string
}

// ParseIDTokenClaims reads claims from an id_token without verifying its
// signature. The token arrived over TLS directly from the token endpoint
// and is only used to locate the patient, never to authorize anything.
func ParseIDTokenClaims(idToken string) (IDTokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return IDTokenClaims{}, fmt.Errorf("parsing id_token: %w", err)
	}
	out := IDTokenClaims{}
	out.Subject, _ = claims.GetSubject()
	if v, ok := claims["patient"].(string); ok {
		out.Patient = v
	}
	if v, ok := claims["fhirUser"].(string); ok {
		out.FHIRUser = v
	}
	return out, nil
}

// PatientID returns the patient id the claims identify, if any. fhirUser
// only counts when it references a Patient.
func (c IDTokenClaims) PatientID() string {
	if c.Patient != "" {
		return c.Patient
	}
	if c.FHIRUser == "" {
		return ""
	}
	ref := fhir.Reference{Reference: c.FHIRUser}
	if rt, id := ref.Parts(); rt == fhir.ResourcePatient {
		return id
	}
	return ""
}

// patientFromToken prefers the token response patient and falls back to
// the id_token.
func patientFromToken(tr *tokenResponse) string {
	if tr.Patient != "" {
		return tr.Patient
	}
	if tr.IDToken == "" {
		return ""
	}
	claims, err := ParseIDTokenClaims(tr.IDToken)
	if err != nil {
		return ""
	}
	return claims.PatientID()
}

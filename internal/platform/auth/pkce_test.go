package auth

import (
	"testing"
)

func TestNewPKCE(t *testing.T) {
	p, err := NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if len(p.Verifier) != 86 {
		t.Errorf("verifier length = %d, want 86", len(p.Verifier))
	}
	if !validVerifier(p.Verifier) {
		t.Errorf("verifier %q is not RFC 7636 compliant", p.Verifier)
	}
	if p.Method != "S256" {
		t.Errorf("Method = %q", p.Method)
	}
	if !VerifyS256(p.Verifier, p.Challenge) {
		t.Error("challenge does not verify")
	}

	q, _ := NewPKCE()
	if q.Verifier == p.Verifier {
		t.Error("two verifiers collided")
	}
}

func TestChallengeS256_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := ChallengeS256(verifier); got != want {
		t.Errorf("ChallengeS256 = %q, want %q", got, want)
	}
	if VerifyS256("wrong", want) {
		t.Error("wrong verifier accepted")
	}
}

func TestValidVerifier(t *testing.T) {
	tests := []struct {
		v    string
		want bool
	}{
		{"short", false},
		{"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", true},
		{"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjX+", false},
	}
	for _, tt := range tests {
		if got := validVerifier(tt.v); got != tt.want {
			t.Errorf("validVerifier(%q) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestNewState(t *testing.T) {
	s, err := newState()
	if err != nil {
		t.Fatalf("newState: %v", err)
	}
	if len(s) != 64 {
		t.Errorf("state length = %d, want 64", len(s))
	}
}

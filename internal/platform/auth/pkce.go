package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// ChallengeMethodS256 is the only PKCE method this client sends or accepts.
const ChallengeMethodS256 = "S256"

const (
	// 64 bytes encode to 86 base64url characters, inside RFC 7636's 43..128.
	verifierBytes = 64
	stateBytes    = 32
)

// PKCE is one code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() (PKCE, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return PKCE{}, fmt.Errorf("generating code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return PKCE{
		Verifier:  verifier,
		Challenge: ChallengeS256(verifier),
		Method:    ChallengeMethodS256,
	}, nil
}

// ChallengeS256 derives the S256 code challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 checks a code_verifier against a code_challenge in constant time.
func VerifyS256(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(ChallengeS256(verifier)), []byte(challenge)) == 1
}

// newState creates the CSRF state token.
func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// validVerifier reports whether v is an RFC 7636 code verifier.
func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == '_', r == '~':
		default:
			return false
		}
	}
	return true
}

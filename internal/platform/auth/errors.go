package auth

import (
	"errors"
	"fmt"

	"github.com/ehr/fhir-import/internal/platform/i18n"
)

var (
	// ErrStateMismatch matches any *StateMismatchError.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrReauthenticationRequired matches any *ReauthenticationRequiredError.
	ErrReauthenticationRequired = errors.New("reauthentication required")
)

// ConfigurationError reports a provider or client setup that cannot start an
// authorization flow. It is never retried.
type ConfigurationError struct {
	ProviderID string
	Reason     string
	Err        error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("auth configuration for provider %q: %s", e.ProviderID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StateMismatchError is returned when a callback's state does not match a
// pending authorization. The flow must restart from provider selection.
type StateMismatchError struct {
	Reason string
}

func (e *StateMismatchError) Error() string {
	return "authorization state mismatch: " + e.Reason
}

func (e *StateMismatchError) Is(target error) bool { return target == ErrStateMismatch }

// AuthExchangeError is returned when the token endpoint rejects a request or
// answers with an unusable payload.
type AuthExchangeError struct {
	ProviderID string
	StatusCode int
	OAuth      *OAuthError
	Reason     string
	Err        error
}

func (e *AuthExchangeError) Error() string {
	msg := fmt.Sprintf("token exchange with provider %q failed", e.ProviderID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.OAuth != nil {
		msg += ": " + e.OAuth.Error()
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// ReauthenticationRequiredError means the access token cannot be renewed
// without user interaction.
type ReauthenticationRequiredError struct {
	ProviderID   string
	ConnectionID string
	Reason       string
	Err          error
}

func (e *ReauthenticationRequiredError) Error() string {
	msg := fmt.Sprintf("reauthentication required for provider %q: %s", e.ProviderID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReauthenticationRequiredError) Unwrap() error { return e.Err }

func (e *ReauthenticationRequiredError) Is(target error) bool {
	return target == ErrReauthenticationRequired
}

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// UserMessage returns the localized explanation shown when an auth error
// sends the user back to provider selection. Unknown errors get the
// generic exchange message.
func UserMessage(err error, locale string) string {
	var (
		cfgErr   *ConfigurationError
		stateErr *StateMismatchError
		reauth   *ReauthenticationRequiredError
	)
	switch {
	case errors.As(err, &cfgErr):
		return i18n.Sprintf(locale, i18n.KeyConfiguration)
	case errors.As(err, &stateErr):
		return i18n.Sprintf(locale, i18n.KeyStateMismatch)
	case errors.As(err, &reauth):
		return i18n.Sprintf(locale, i18n.KeyReauthRequired)
	default:
		return i18n.Sprintf(locale, i18n.KeyAuthExchange)
	}
}

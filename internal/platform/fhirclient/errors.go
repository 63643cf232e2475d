package fhirclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// ErrNoPatient is returned when a search is attempted without a patient
// context to scope it.
var ErrNoPatient = errors.New("connection has no patient context")

// ErrForeignNextLink is wrapped by a ResourceError when a bundle's next
// link leaves the server the connection was made to.
var ErrForeignNextLink = errors.New("next link points to a different host")

// ResourceError is a failed page fetch. It is always recoverable: the
// resource type stops, its earlier pages are kept and other types are not
// affected.
type ResourceError struct {
	Type       fhir.ResourceType
	Page       int
	StatusCode int
	// Diagnostics is the OperationOutcome summary when the server sent one.
	Diagnostics string
	Attempts    int
	Err         error
}

func (e *ResourceError) Error() string {
	msg := fmt.Sprintf("fetching %s page %d", e.Type, e.Page)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Unauthorized reports whether the page was still rejected with 401 after
// a successful token refresh.
func (e *ResourceError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

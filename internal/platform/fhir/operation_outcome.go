package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the importer and sandbox.
const (
	IssueTypeProcessing = "processing"
	IssueTypeSecurity   = "security"
	IssueTypeLogin      = "login"
	IssueTypeNotFound   = "not-found"
	IssueTypeThrottled  = "throttled"
	IssueTypeException  = "exception"
	IssueTypeIncomplete = "incomplete"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// ParseOperationOutcome decodes body when it holds an OperationOutcome.
func ParseOperationOutcome(body []byte) (*OperationOutcome, bool) {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil, false
	}
	return &oo, true
}

// Summary joins the issue diagnostics (or details text) into one line.
func (oo *OperationOutcome) Summary() string {
	if oo == nil {
		return ""
	}
	parts := make([]string, 0, len(oo.Issue))
	for _, iss := range oo.Issue {
		msg := iss.Diagnostics
		if msg == "" && iss.Details != nil {
			msg = iss.Details.DisplayName()
		}
		if msg == "" {
			msg = iss.Code
		}
		if msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}

// HasErrors reports whether any issue is error or fatal.
func (oo *OperationOutcome) HasErrors() bool {
	if oo == nil {
		return false
	}
	for _, iss := range oo.Issue {
		if iss.Severity == IssueSeverityError || iss.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

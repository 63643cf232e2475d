package fhir

import (
	"encoding/json"
	"strings"
)

// Resource is the header shared by every FHIR resource. Decoding a raw
// resource into it is enough to learn its type and id.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// Meta carries date-times as raw strings; upstream servers are not strict
// about their format and the mapper parses them defensively.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCoding reports whether at least one coding carries a code or display.
func (cc *CodeableConcept) HasCoding() bool {
	if cc == nil {
		return false
	}
	for _, c := range cc.Coding {
		if c.Code != "" || c.Display != "" {
			return true
		}
	}
	return false
}

// Primary returns the first coding with a code or display.
func (cc *CodeableConcept) Primary() (Coding, bool) {
	if cc == nil {
		return Coding{}, false
	}
	for _, c := range cc.Coding {
		if c.Code != "" || c.Display != "" {
			return c, true
		}
	}
	return Coding{}, false
}

// DisplayName prefers the text, then the first coding display, then its code.
func (cc *CodeableConcept) DisplayName() string {
	if cc == nil {
		return ""
	}
	if t := strings.TrimSpace(cc.Text); t != "" {
		return t
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	for _, c := range cc.Coding {
		if c.Code != "" {
			return c.Code
		}
	}
	return ""
}

// CodeFrom returns the first code from the given system, or the first code
// at all when system is empty.
func (cc *CodeableConcept) CodeFrom(system string) string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.Code == "" {
			continue
		}
		if system == "" || c.System == system {
			return c.Code
		}
	}
	return ""
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Parts splits a relative reference ("Patient/123") into type and id.
// Contained references ("#med1") return an empty type.
func (r *Reference) Parts() (resourceType, id string) {
	if r == nil || r.Reference == "" {
		return "", ""
	}
	ref := r.Reference
	if strings.HasPrefix(ref, "#") {
		return "", ref[1:]
	}
	ref = strings.TrimSuffix(ref, "/")
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return r.Type, parts[0]
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// UnitName returns the human unit, falling back to the UCUM code.
func (q *Quantity) UnitName() string {
	if q == nil {
		return ""
	}
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

type Annotation struct {
	Text string `json:"text,omitempty"`
}

// DecodeHeader reads just the resourceType and id of a raw resource.
func DecodeHeader(raw json.RawMessage) (Resource, error) {
	var r Resource
	err := json.Unmarshal(raw, &r)
	return r, err
}

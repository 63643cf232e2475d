package fhir

import (
	"fmt"
	"strings"
)

// ResourceType is one of the clinical resource kinds the importer consumes.
type ResourceType string

const (
	ResourceCondition          ResourceType = "Condition"
	ResourceMedicationRequest  ResourceType = "MedicationRequest"
	ResourceObservation        ResourceType = "Observation"
	ResourceAllergyIntolerance ResourceType = "AllergyIntolerance"
	ResourceImmunization       ResourceType = "Immunization"
)

// ResourcePatient is only fetched to resolve the patient identity.
const ResourcePatient = "Patient"

// AllResourceTypes returns the importable types in their canonical order.
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceCondition,
		ResourceMedicationRequest,
		ResourceObservation,
		ResourceAllergyIntolerance,
		ResourceImmunization,
	}
}

// Valid reports whether t is an importable type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceCondition, ResourceMedicationRequest, ResourceObservation,
		ResourceAllergyIntolerance, ResourceImmunization:
		return true
	}
	return false
}

func (t ResourceType) String() string { return string(t) }

// ParseResourceType accepts the FHIR type name case-insensitively.
func ParseResourceType(s string) (ResourceType, error) {
	for _, t := range AllResourceTypes() {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported resource type %q", s)
}

// ParseResourceTypes parses a list, rejecting unknown names and dropping
// duplicates while keeping the first-seen order.
func ParseResourceTypes(names []string) ([]ResourceType, error) {
	seen := make(map[ResourceType]bool, len(names))
	out := make([]ResourceType, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		t, err := ParseResourceType(n)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

package clinical

import (
	"encoding/json"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

type allergyWire struct {
	header
	ClinicalStatus     *fhir.CodeableConcept `json:"clinicalStatus"`
	VerificationStatus *fhir.CodeableConcept `json:"verificationStatus"`
	Category           []string              `json:"category"`
	Criticality        string                `json:"criticality"`
	Code               *fhir.CodeableConcept `json:"code"`
	OnsetDateTime      string                `json:"onsetDateTime"`
	OnsetPeriod        *fhir.Period          `json:"onsetPeriod"`
	OnsetString        string                `json:"onsetString"`
	RecordedDate       string                `json:"recordedDate"`
	Reaction           []struct {
		Manifestation []fhir.CodeableConcept `json:"manifestation"`
		Severity      string                 `json:"severity"`
	} `json:"reaction"`
}

var allergyCategory = map[string]AllergyCategory{
	fhirmodels.AllergyCategoryFood:        AllergyCategoryFood,
	fhirmodels.AllergyCategoryMedication:  AllergyCategoryMedication,
	fhirmodels.AllergyCategoryEnvironment: AllergyCategoryEnvironmental,
	fhirmodels.AllergyCategoryBiologic:    AllergyCategoryOther,
}

var allergyCriticality = map[string]Criticality{
	fhirmodels.AllergyCriticalityLow:           CriticalityLow,
	fhirmodels.AllergyCriticalityHigh:          CriticalityHigh,
	fhirmodels.AllergyCriticalityUnableToAsses: CriticalityUnableToAssess,
}

var allergyVerification = map[string]Verification{
	fhirmodels.AllergyConfirmed:      VerificationConfirmed,
	fhirmodels.AllergyUnconfirmed:    VerificationSuspected,
	fhirmodels.AllergyRefuted:        VerificationRefuted,
	fhirmodels.AllergyEnteredInError: VerificationEnteredInError,
}

var allergyClinicalStatus = map[string]AllergyStatus{
	"active":   AllergyStatusActive,
	"inactive": AllergyStatusInactive,
	"resolved": AllergyStatusResolved,
}

var reactionSeverity = map[string]Severity{
	fhirmodels.ReactionMild:     SeverityMild,
	fhirmodels.ReactionModerate: SeverityModerate,
	fhirmodels.ReactionSevere:   SeveritySevere,
}

var severityRank = map[Severity]int{
	SeverityUnknown:  0,
	SeverityMild:     1,
	SeverityModerate: 2,
	SeveritySevere:   3,
}

// MapAllergyIntolerance maps a FHIR AllergyIntolerance. code.coding is
// required. Severity is the most severe reaction.
func MapAllergyIntolerance(source string, raw json.RawMessage) (*Allergy, error) {
	var w allergyWire
	p, err := decode(fhir.ResourceAllergyIntolerance, raw, &w, &w.header)
	if err != nil {
		return nil, err
	}
	if !w.Code.HasCoding() {
		p.add("code.coding")
	}

	a := &Allergy{
		ID:             RecordID(source, fhir.ResourceAllergyIntolerance, w.ID),
		SourceID:       w.ID,
		Substance:      w.Code.DisplayName(),
		Code:           codeOf(w.Code),
		Category:       AllergyCategoryOther,
		Criticality:    lookup(allergyCriticality, w.Criticality, CriticalityUnknown),
		Verification:   lookup(allergyVerification, w.VerificationStatus.CodeFrom(""), VerificationUnknown),
		ClinicalStatus: lookup(allergyClinicalStatus, w.ClinicalStatus.CodeFrom(""), AllergyStatusUnknown),
		Severity:       SeverityUnknown,
	}
	if len(w.Category) > 0 {
		a.Category = lookup(allergyCategory, w.Category[0], AllergyCategoryOther)
	}

	seen := make(map[string]bool)
	for _, r := range w.Reaction {
		if s := lookup(reactionSeverity, r.Severity, SeverityUnknown); severityRank[s] > severityRank[a.Severity] {
			a.Severity = s
		}
		for i := range r.Manifestation {
			name := r.Manifestation[i].DisplayName()
			if name != "" && !seen[name] {
				seen[name] = true
				a.Reactions = append(a.Reactions, name)
			}
		}
	}

	a.Onset = onset(p, "onset", w.OnsetDateTime, w.OnsetPeriod, w.OnsetString)
	a.Recorded = p.date("recordedDate", w.RecordedDate)

	if err := p.err(); err != nil {
		return nil, err
	}
	return a, nil
}

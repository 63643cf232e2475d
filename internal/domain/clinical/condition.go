package clinical

import (
	"encoding/json"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

type conditionWire struct {
	header
	ClinicalStatus     *fhir.CodeableConcept  `json:"clinicalStatus"`
	VerificationStatus *fhir.CodeableConcept  `json:"verificationStatus"`
	Category           []fhir.CodeableConcept `json:"category"`
	Severity           *fhir.CodeableConcept  `json:"severity"`
	Code               *fhir.CodeableConcept  `json:"code"`
	OnsetDateTime      string                 `json:"onsetDateTime"`
	OnsetPeriod        *fhir.Period           `json:"onsetPeriod"`
	OnsetString        string                 `json:"onsetString"`
	AbatementDateTime  string                 `json:"abatementDateTime"`
	AbatementPeriod    *fhir.Period           `json:"abatementPeriod"`
	AbatementString    string                 `json:"abatementString"`
	RecordedDate       string                 `json:"recordedDate"`
	Note               []fhir.Annotation      `json:"note"`
}

var conditionClinicalStatus = map[string]ConditionStatus{
	fhirmodels.ConditionActive:     ConditionStatusActive,
	fhirmodels.ConditionRecurrence: ConditionStatusActive,
	fhirmodels.ConditionRelapse:    ConditionStatusActive,
	fhirmodels.ConditionInactive:   ConditionStatusInactive,
	fhirmodels.ConditionRemission:  ConditionStatusInRemission,
	fhirmodels.ConditionResolved:   ConditionStatusResolved,
}

var conditionVerification = map[string]Verification{
	fhirmodels.ConditionConfirmed:      VerificationConfirmed,
	fhirmodels.ConditionUnconfirmed:    VerificationUnconfirmed,
	fhirmodels.ConditionProvisional:    VerificationUnconfirmed,
	fhirmodels.ConditionDifferential:   VerificationUnconfirmed,
	fhirmodels.ConditionRefuted:        VerificationRefuted,
	fhirmodels.ConditionEnteredInError: VerificationEnteredInError,
}

// SNOMED severity codes plus the plain words some servers send instead.
var conditionSeverity = map[string]Severity{
	"255604002": SeverityMild,
	"6736007":   SeverityModerate,
	"24484000":  SeveritySevere,
	"mild":      SeverityMild,
	"moderate":  SeverityModerate,
	"severe":    SeveritySevere,
}

// MapCondition maps a FHIR Condition. code.coding is required.
func MapCondition(source string, raw json.RawMessage) (*Condition, error) {
	var w conditionWire
	p, err := decode(fhir.ResourceCondition, raw, &w, &w.header)
	if err != nil {
		return nil, err
	}
	if !w.Code.HasCoding() {
		p.add("code.coding")
	}

	c := &Condition{
		ID:                 RecordID(source, fhir.ResourceCondition, w.ID),
		SourceID:           w.ID,
		Name:               w.Code.DisplayName(),
		Code:               codeOf(w.Code),
		ClinicalStatus:     lookup(conditionClinicalStatus, w.ClinicalStatus.CodeFrom(""), ConditionStatusUnknown),
		VerificationStatus: lookup(conditionVerification, w.VerificationStatus.CodeFrom(""), VerificationUnknown),
		Severity:           severityOf(w.Severity),
		Note:               notes(w.Note),
	}
	if len(w.Category) > 0 {
		c.Category = firstNonEmpty(w.Category[0].CodeFrom(""), w.Category[0].DisplayName())
	}

	c.Onset = onset(p, "onset", w.OnsetDateTime, w.OnsetPeriod, w.OnsetString)
	c.Abatement = onset(p, "abatement", w.AbatementDateTime, w.AbatementPeriod, w.AbatementString)
	c.Recorded = p.date("recordedDate", w.RecordedDate)

	if err := p.err(); err != nil {
		return nil, err
	}
	return c, nil
}

func severityOf(cc *fhir.CodeableConcept) Severity {
	if cc == nil {
		return SeverityUnknown
	}
	if s := lookup(conditionSeverity, cc.CodeFrom(fhirmodels.SystemSNOMED), SeverityUnknown); s != SeverityUnknown {
		return s
	}
	for _, c := range cc.Coding {
		if s := lookup(conditionSeverity, c.Code, SeverityUnknown); s != SeverityUnknown {
			return s
		}
	}
	return lookup(conditionSeverity, strings.ToLower(cc.DisplayName()), SeverityUnknown)
}

// onset resolves the [x] choice shared by onset and abatement: dateTime,
// then period start, then a year found in free text.
func onset(p *problems, field, dateTime string, period *fhir.Period, text string) Date {
	switch {
	case dateTime != "":
		return p.date(field+"DateTime", dateTime)
	case period != nil && period.Start != "":
		return p.date(field+"Period.start", period.Start)
	case text != "":
		return dateFromText(text)
	}
	return UnknownDate
}

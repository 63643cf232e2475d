package clinical

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

type medicationRequestWire struct {
	header
	Status                    string                `json:"status"`
	MedicationCodeableConcept *fhir.CodeableConcept `json:"medicationCodeableConcept"`
	MedicationReference       *fhir.Reference       `json:"medicationReference"`
	Contained                 []json.RawMessage     `json:"contained"`
	AuthoredOn                string                `json:"authoredOn"`
	Requester                 *fhir.Reference       `json:"requester"`
	DosageInstruction         []dosageWire          `json:"dosageInstruction"`
	DispenseRequest           *struct {
		ValidityPeriod *fhir.Period `json:"validityPeriod"`
	} `json:"dispenseRequest"`
}

type dosageWire struct {
	Text            string                `json:"text"`
	AsNeededBoolean *bool                 `json:"asNeededBoolean"`
	AsNeededCC      *fhir.CodeableConcept `json:"asNeededCodeableConcept"`
	Route           *fhir.CodeableConcept `json:"route"`
	Timing          *struct {
		Code   *fhir.CodeableConcept `json:"code"`
		Repeat *timingRepeat         `json:"repeat"`
	} `json:"timing"`
	DoseAndRate []struct {
		DoseQuantity *fhir.Quantity `json:"doseQuantity"`
	} `json:"doseAndRate"`
}

type timingRepeat struct {
	Frequency  int     `json:"frequency"`
	Period     float64 `json:"period"`
	PeriodUnit string  `json:"periodUnit"`
}

type containedMedication struct {
	header
	Code *fhir.CodeableConcept `json:"code"`
}

var medicationStatus = map[string]MedicationStatus{
	fhirmodels.MedRequestActive:         MedicationStatusActive,
	fhirmodels.MedRequestCompleted:      MedicationStatusCompleted,
	fhirmodels.MedRequestStopped:        MedicationStatusDiscontinued,
	fhirmodels.MedRequestCancelled:      MedicationStatusDiscontinued,
	fhirmodels.MedRequestOnHold:         MedicationStatusOnHold,
	fhirmodels.MedRequestDraft:          MedicationStatusPending,
	fhirmodels.MedRequestEnteredInError: MedicationStatusEnteredInError,
}

var timingUnits = map[string]string{
	"s":   "second",
	"min": "minute",
	"h":   "hour",
	"d":   "day",
	"wk":  "week",
	"mo":  "month",
	"a":   "year",
}

// MapMedicationRequest maps a FHIR MedicationRequest. The medication comes
// from medicationCodeableConcept or a contained Medication referenced by #id.
// A reference that resolves to nothing coded is kept uncoded when it
// carries a display name.
func MapMedicationRequest(source string, raw json.RawMessage) (*Medication, error) {
	return MapMedicationRequestIncluded(source, raw, nil)
}

// MapMedicationRequestIncluded also resolves medicationReference against
// Medication resources included in the search.
func MapMedicationRequestIncluded(source string, raw json.RawMessage, inc Included) (*Medication, error) {
	var w medicationRequestWire
	p, err := decode(fhir.ResourceMedicationRequest, raw, &w, &w.header)
	if err != nil {
		return nil, err
	}

	med := w.MedicationCodeableConcept
	if !med.HasCoding() {
		med = referencedCode(w.Contained, inc, w.MedicationReference)
	}
	if !med.HasCoding() && referenceDisplay(w.MedicationReference) == "" {
		p.add("medicationCodeableConcept.coding")
	}

	m := &Medication{
		ID:         RecordID(source, fhir.ResourceMedicationRequest, w.ID),
		SourceID:   w.ID,
		Name:       firstNonEmpty(med.DisplayName(), referenceDisplay(w.MedicationReference)),
		Code:       codeOf(med),
		Status:     lookup(medicationStatus, w.Status, MedicationStatusInactive),
		AuthoredOn: p.date("authoredOn", w.AuthoredOn),
		Prescriber: referenceDisplay(w.Requester),
	}
	if len(w.DosageInstruction) > 0 {
		d := w.DosageInstruction[0]
		m.Dosage = strings.TrimSpace(d.Text)
		m.Route = d.Route.DisplayName()
		m.AsNeeded = (d.AsNeededBoolean != nil && *d.AsNeededBoolean) || d.AsNeededCC != nil
		if d.Timing != nil {
			m.Frequency = firstNonEmpty(d.Timing.Code.DisplayName(), frequencyText(d.Timing.Repeat))
		}
		if len(d.DoseAndRate) > 0 {
			m.Dose = quantityText(d.DoseAndRate[0].DoseQuantity)
		}
	}
	if m.AsNeeded && m.Status == MedicationStatusActive {
		m.Status = MedicationStatusAsNeeded
	}
	if w.DispenseRequest != nil && w.DispenseRequest.ValidityPeriod != nil {
		m.ValidUntil = p.date("dispenseRequest.validityPeriod.end", w.DispenseRequest.ValidityPeriod.End)
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return m, nil
}

func referencedCode(contained []json.RawMessage, inc Included, ref *fhir.Reference) *fhir.CodeableConcept {
	rt, id := ref.Parts()
	if id == "" {
		return nil
	}
	if rt == "" {
		for _, raw := range contained {
			if cc, ok := medicationCode(raw, id); ok {
				return cc
			}
		}
		return nil
	}
	if rt != "Medication" {
		return nil
	}
	if cc, ok := medicationCode(inc[rt+"/"+id], id); ok {
		return cc
	}
	return nil
}

// medicationCode decodes raw as the Medication with the given id.
func medicationCode(raw json.RawMessage, id string) (*fhir.CodeableConcept, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var cm containedMedication
	if err := json.Unmarshal(raw, &cm); err != nil {
		return nil, false
	}
	if cm.ResourceType != "Medication" || cm.ID != id {
		return nil, false
	}
	return cm.Code, true
}

func referenceDisplay(r *fhir.Reference) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Display)
}

func frequencyText(r *timingRepeat) string {
	if r == nil || r.Frequency <= 0 {
		return ""
	}
	unit, ok := timingUnits[r.PeriodUnit]
	if !ok {
		return ""
	}
	times := "times"
	if r.Frequency == 1 {
		times = "time"
	}
	if r.Period <= 1 {
		return fmt.Sprintf("%d %s per %s", r.Frequency, times, unit)
	}
	return fmt.Sprintf("%d %s every %s %ss", r.Frequency, times, formatNumber(r.Period), unit)
}

func quantityText(q *fhir.Quantity) string {
	if q == nil || q.Value == nil {
		return ""
	}
	s := q.Comparator + formatNumber(*q.Value)
	if u := q.UnitName(); u != "" {
		s += " " + u
	}
	return s
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

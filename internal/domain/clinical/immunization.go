package clinical

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

type immunizationWire struct {
	header
	Status             string                `json:"status"`
	VaccineCode        *fhir.CodeableConcept `json:"vaccineCode"`
	OccurrenceDateTime string                `json:"occurrenceDateTime"`
	OccurrenceString   string                `json:"occurrenceString"`
	LotNumber          string                `json:"lotNumber"`
	PrimarySource      *bool                 `json:"primarySource"`
	Site               *fhir.CodeableConcept `json:"site"`
	Route              *fhir.CodeableConcept `json:"route"`
	ProtocolApplied    []struct {
		DoseNumberPositiveInt *int   `json:"doseNumberPositiveInt"`
		DoseNumberString      string `json:"doseNumberString"`
	} `json:"protocolApplied"`
}

var immunizationStatus = map[string]ImmunizationStatus{
	fhirmodels.ImmunizationCompleted:      ImmunizationStatusCompleted,
	fhirmodels.ImmunizationNotDone:        ImmunizationStatusNotDone,
	fhirmodels.ImmunizationEnteredInError: ImmunizationStatusEnteredInError,
}

// MapImmunization maps a FHIR Immunization. vaccineCode.coding is required.
func MapImmunization(source string, raw json.RawMessage) (*Immunization, error) {
	var w immunizationWire
	p, err := decode(fhir.ResourceImmunization, raw, &w, &w.header)
	if err != nil {
		return nil, err
	}
	if !w.VaccineCode.HasCoding() {
		p.add("vaccineCode.coding")
	}

	im := &Immunization{
		ID:            RecordID(source, fhir.ResourceImmunization, w.ID),
		SourceID:      w.ID,
		Vaccine:       w.VaccineCode.DisplayName(),
		Code:          codeOf(w.VaccineCode),
		Status:        lookup(immunizationStatus, w.Status, ImmunizationStatusUnknown),
		LotNumber:     strings.TrimSpace(w.LotNumber),
		PrimarySource: w.PrimarySource,
		Site:          w.Site.DisplayName(),
		Route:         w.Route.DisplayName(),
	}
	if w.OccurrenceDateTime != "" {
		im.Occurred = p.date("occurrenceDateTime", w.OccurrenceDateTime)
	} else {
		im.Occurred = dateFromText(w.OccurrenceString)
	}
	if len(w.ProtocolApplied) > 0 {
		pa := w.ProtocolApplied[0]
		if pa.DoseNumberPositiveInt != nil {
			im.DoseNumber = strconv.Itoa(*pa.DoseNumberPositiveInt)
		} else {
			im.DoseNumber = strings.TrimSpace(pa.DoseNumberString)
		}
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return im, nil
}

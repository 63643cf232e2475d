package clinical

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

type observationWire struct {
	header
	Status               string                 `json:"status"`
	Category             []fhir.CodeableConcept `json:"category"`
	Code                 *fhir.CodeableConcept  `json:"code"`
	ValueQuantity        *fhir.Quantity         `json:"valueQuantity"`
	ValueString          string                 `json:"valueString"`
	ValueCodeableConcept *fhir.CodeableConcept  `json:"valueCodeableConcept"`
	ValueBoolean         *bool                  `json:"valueBoolean"`
	ValueInteger         *int                   `json:"valueInteger"`
	DataAbsentReason     *fhir.CodeableConcept  `json:"dataAbsentReason"`
	Interpretation       []fhir.CodeableConcept `json:"interpretation"`
	ReferenceRange       []referenceRangeWire   `json:"referenceRange"`
	EffectiveDateTime    string                 `json:"effectiveDateTime"`
	EffectivePeriod      *fhir.Period           `json:"effectivePeriod"`
	EffectiveInstant     string                 `json:"effectiveInstant"`
	Issued               string                 `json:"issued"`
}

type referenceRangeWire struct {
	Low  *fhir.Quantity `json:"low"`
	High *fhir.Quantity `json:"high"`
	Text string         `json:"text"`
}

var labInterpretation = map[string]Interpretation{
	strings.ToLower(fhirmodels.InterpNormal):           InterpretationNormal,
	strings.ToLower(fhirmodels.InterpHigh):             InterpretationElevated,
	strings.ToLower(fhirmodels.InterpSignificantHigh):  InterpretationElevated,
	strings.ToLower(fhirmodels.InterpLow):              InterpretationDecreased,
	strings.ToLower(fhirmodels.InterpSignificantLow):   InterpretationDecreased,
	strings.ToLower(fhirmodels.InterpCriticalHigh):     InterpretationCriticalHigh,
	strings.ToLower(fhirmodels.InterpCriticalLow):      InterpretationCriticalLow,
	strings.ToLower(fhirmodels.InterpAbnormal):         InterpretationAbnormal,
	strings.ToLower(fhirmodels.InterpCriticalAbnormal): InterpretationAbnormal,
}

var labStatus = map[string]ResultStatus{
	fhirmodels.ObsStatusFinal:          ResultStatusFinal,
	fhirmodels.ObsStatusAmended:        ResultStatusFinal,
	fhirmodels.ObsStatusCorrected:      ResultStatusFinal,
	fhirmodels.ObsStatusPreliminary:    ResultStatusPreliminary,
	fhirmodels.ObsStatusRegistered:     ResultStatusPreliminary,
	fhirmodels.ObsStatusCancelled:      ResultStatusCancelled,
	fhirmodels.ObsStatusEnteredInError: ResultStatusEnteredInError,
}

// MapObservation maps a FHIR Observation to a LabResult. code.coding is
// required. Without an interpretation the result is classified against its
// reference range when both are numeric.
func MapObservation(source string, raw json.RawMessage) (*LabResult, error) {
	var w observationWire
	p, err := decode(fhir.ResourceObservation, raw, &w, &w.header)
	if err != nil {
		return nil, err
	}
	if !w.Code.HasCoding() {
		p.add("code.coding")
	}

	l := &LabResult{
		ID:       RecordID(source, fhir.ResourceObservation, w.ID),
		SourceID: w.ID,
		Name:     w.Code.DisplayName(),
		Code:     codeOf(w.Code),
		Category: observationCategory(w.Category),
		Status:   lookup(labStatus, w.Status, ResultStatusUnknown),
	}

	switch {
	case w.ValueQuantity != nil:
		l.Value = quantityText(w.ValueQuantity)
		l.NumericValue = w.ValueQuantity.Value
		l.Unit = w.ValueQuantity.UnitName()
	case w.ValueInteger != nil:
		v := float64(*w.ValueInteger)
		l.Value = strconv.Itoa(*w.ValueInteger)
		l.NumericValue = &v
	case w.ValueCodeableConcept != nil:
		l.Value = w.ValueCodeableConcept.DisplayName()
	case w.ValueBoolean != nil:
		l.Value = strconv.FormatBool(*w.ValueBoolean)
	case w.ValueString != "":
		l.Value = strings.TrimSpace(w.ValueString)
	case w.DataAbsentReason != nil:
		l.Value = w.DataAbsentReason.DisplayName()
	}

	if len(w.ReferenceRange) > 0 {
		rr := w.ReferenceRange[0]
		if rr.Low != nil {
			l.RangeLow = rr.Low.Value
		}
		if rr.High != nil {
			l.RangeHigh = rr.High.Value
		}
		l.ReferenceRange = firstNonEmpty(rr.Text, rangeText(rr))
	}

	l.Interpretation = InterpretationUnknown
	if len(w.Interpretation) > 0 {
		l.Interpretation = lookup(labInterpretation, w.Interpretation[0].CodeFrom(""), InterpretationUnknown)
	}
	// Text-only or unrecognized interpretations fall back to the range.
	if l.Interpretation == InterpretationUnknown {
		l.Interpretation = interpretFromRange(l.NumericValue, l.RangeLow, l.RangeHigh)
	}

	switch {
	case w.EffectiveDateTime != "":
		l.Effective = p.date("effectiveDateTime", w.EffectiveDateTime)
	case w.EffectiveInstant != "":
		l.Effective = p.date("effectiveInstant", w.EffectiveInstant)
	case w.EffectivePeriod != nil:
		l.Effective = p.date("effectivePeriod.start", w.EffectivePeriod.Start)
	}
	l.Issued = p.date("issued", w.Issued)

	if err := p.err(); err != nil {
		return nil, err
	}
	return l, nil
}

func observationCategory(cats []fhir.CodeableConcept) string {
	for i := range cats {
		if c := cats[i].CodeFrom(fhirmodels.SystemObsCategory); c != "" {
			return c
		}
	}
	if len(cats) > 0 {
		return firstNonEmpty(cats[0].CodeFrom(""), cats[0].DisplayName())
	}
	return ""
}

func rangeText(rr referenceRangeWire) string {
	low, high := quantityText(rr.Low), quantityText(rr.High)
	switch {
	case low != "" && high != "":
		return low + " - " + high
	case low != "":
		return ">= " + low
	case high != "":
		return "<= " + high
	}
	return ""
}

func interpretFromRange(v, low, high *float64) Interpretation {
	if v == nil || (low == nil && high == nil) {
		return InterpretationUnknown
	}
	switch {
	case low != nil && *v < *low:
		return InterpretationDecreased
	case high != nil && *v > *high:
		return InterpretationElevated
	}
	return InterpretationNormal
}

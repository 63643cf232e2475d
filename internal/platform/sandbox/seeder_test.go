package sandbox

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/ehr/fhir-import/internal/domain/clinical"
	"github.com/ehr/fhir-import/internal/platform/fhir"
)

func TestSeed_Deterministic(t *testing.T) {
	a := Seed(42, 3, nil)
	b := Seed(42, 3, nil)

	if !slices.Equal(a.PatientIDs(), b.PatientIDs()) {
		t.Fatalf("patient ids differ: %v vs %v", a.PatientIDs(), b.PatientIDs())
	}
	for _, id := range a.PatientIDs() {
		ca, _ := a.Chart(id)
		cb, _ := b.Chart(id)
		for _, rt := range fhir.AllResourceTypes() {
			if len(ca.Resources[rt]) != len(cb.Resources[rt]) {
				t.Fatalf("%s: counts differ", rt)
			}
			for i := range ca.Resources[rt] {
				if !bytes.Equal(ca.Resources[rt][i], cb.Resources[rt][i]) {
					t.Fatalf("%s[%d] differs between runs", rt, i)
				}
			}
		}
	}

	c := Seed(43, 3, nil)
	if slices.Equal(a.PatientIDs(), c.PatientIDs()) {
		t.Error("different seeds produced the same patients")
	}
}

func TestSeed_AddingPatientsKeepsEarlierCharts(t *testing.T) {
	small := Seed(7, 1, nil)
	large := Seed(7, 4, nil)

	if large.Len() != 4 {
		t.Fatalf("Len = %d, want 4", large.Len())
	}
	if small.PatientIDs()[0] != large.PatientIDs()[0] {
		t.Errorf("first patient changed: %s vs %s", small.PatientIDs()[0], large.PatientIDs()[0])
	}
}

func TestSeed_Counts(t *testing.T) {
	ds := Seed(1, 2, Counts{fhir.ResourceCondition: 3, fhir.ResourceObservation: 7})
	for _, id := range ds.PatientIDs() {
		c, ok := ds.Chart(id)
		if !ok {
			t.Fatalf("chart %s missing", id)
		}
		if n := len(c.Resources[fhir.ResourceCondition]); n != 3 {
			t.Errorf("conditions = %d, want 3", n)
		}
		if n := len(c.Resources[fhir.ResourceObservation]); n != 7 {
			t.Errorf("observations = %d, want 7", n)
		}
		if n := len(c.Resources[fhir.ResourceImmunization]); n != 0 {
			t.Errorf("immunizations = %d, want 0", n)
		}
	}
}

func TestSeed_EveryResourceMaps(t *testing.T) {
	ds := Seed(2024, 5, nil)
	for _, id := range ds.PatientIDs() {
		c, _ := ds.Chart(id)

		hdr, err := fhir.DecodeHeader(c.Patient)
		if err != nil || hdr.ResourceType != fhir.ResourcePatient || hdr.ID != id {
			t.Fatalf("bad patient resource: %+v %v", hdr, err)
		}

		for rt, list := range c.Resources {
			for i, res := range clinical.MapBatch("https://sandbox.test/fhir", rt, list) {
				if !res.OK() {
					t.Errorf("%s[%d] for %s did not map: %v", rt, i, id, res.Err)
				}
			}
		}
	}
}

func TestSeed_ObservationsNewestFirst(t *testing.T) {
	ds := Seed(99, 1, nil)
	c, _ := ds.Chart(ds.PatientIDs()[0])

	var last clinical.Date
	for i, res := range clinical.MapBatch("src", fhir.ResourceObservation, c.Resources[fhir.ResourceObservation]) {
		if !res.OK() {
			t.Fatalf("observation %d: %v", i, res.Err)
		}
		cur := res.Record.(*clinical.LabResult).Effective
		if i > 0 && last.Before(cur) {
			t.Fatalf("observation %d (%s) is newer than %d (%s)", i, cur, i-1, last)
		}
		last = cur
	}
}

func TestDataset_Corrupt(t *testing.T) {
	ds := Seed(5, 2, nil)
	ds.corrupt(fhir.ResourceMedicationRequest, []int{0, 2, 999})
	ds.corrupt(fhir.ResourceImmunization, []int{1})

	for _, id := range ds.PatientIDs() {
		c, _ := ds.Chart(id)

		meds := clinical.MapBatch("src", fhir.ResourceMedicationRequest, c.Resources[fhir.ResourceMedicationRequest])
		for i, res := range meds {
			broken := i == 0 || i == 2
			if res.OK() == broken {
				t.Errorf("MedicationRequest[%d]: ok=%v, want %v", i, res.OK(), !broken)
			}
			if broken {
				var merr *clinical.MappingError
				if !errors.As(res.Err, &merr) || !slices.Contains(merr.Fields, "medicationCodeableConcept.coding") {
					t.Errorf("MedicationRequest[%d]: unexpected error %v", i, res.Err)
				}
			}
		}

		imms := clinical.MapBatch("src", fhir.ResourceImmunization, c.Resources[fhir.ResourceImmunization])
		if imms[1].OK() {
			t.Error("Immunization[1] should fail to map")
		}
		if !imms[0].OK() {
			t.Errorf("Immunization[0] should map: %v", imms[0].Err)
		}
	}
}

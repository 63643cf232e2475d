package fhir

import "testing"

func TestCodeableConcept_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		cc   *CodeableConcept
		want string
	}{
		{"nil", nil, ""},
		{"text wins", &CodeableConcept{Text: "Asthma", Coding: []Coding{{Display: "Asthma, unspecified"}}}, "Asthma"},
		{"display", &CodeableConcept{Coding: []Coding{{Code: "J45.909", Display: "Asthma, unspecified"}}}, "Asthma, unspecified"},
		{"code fallback", &CodeableConcept{Coding: []Coding{{Code: "J45.909"}}}, "J45.909"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cc.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeableConcept_HasCoding(t *testing.T) {
	if (&CodeableConcept{Text: "only text"}).HasCoding() {
		t.Error("text-only concept must not count as coded")
	}
	if (&CodeableConcept{Coding: []Coding{{System: "http://loinc.org"}}}).HasCoding() {
		t.Error("coding without code or display must not count")
	}
	if !(&CodeableConcept{Coding: []Coding{{Code: "718-7"}}}).HasCoding() {
		t.Error("expected coded concept")
	}
}

func TestCodeableConcept_CodeFrom(t *testing.T) {
	cc := &CodeableConcept{Coding: []Coding{
		{System: "http://snomed.info/sct", Code: "44054006"},
		{System: "http://hl7.org/fhir/sid/icd-10-cm", Code: "E11.9"},
	}}
	if got := cc.CodeFrom("http://hl7.org/fhir/sid/icd-10-cm"); got != "E11.9" {
		t.Errorf("CodeFrom(icd) = %q", got)
	}
	if got := cc.CodeFrom(""); got != "44054006" {
		t.Errorf("CodeFrom(any) = %q", got)
	}
	if got := cc.CodeFrom("http://loinc.org"); got != "" {
		t.Errorf("CodeFrom(loinc) = %q, want empty", got)
	}
}

func TestReference_Parts(t *testing.T) {
	tests := []struct {
		ref      string
		wantType string
		wantID   string
	}{
		{"Patient/123", "Patient", "123"},
		{"https://ehr.test/fhir/Patient/abc", "Patient", "abc"},
		{"Patient/123/_history/2", "Patient", "123"},
		{"#med1", "", "med1"},
		{"", "", ""},
	}
	for _, tt := range tests {
		r := &Reference{Reference: tt.ref}
		gotType, gotID := r.Parts()
		if gotType != tt.wantType || gotID != tt.wantID {
			t.Errorf("Parts(%q) = (%q, %q), want (%q, %q)", tt.ref, gotType, gotID, tt.wantType, tt.wantID)
		}
	}
}

func TestParseResourceTypes(t *testing.T) {
	got, err := ParseResourceTypes([]string{"condition", "Observation", "Condition", ""})
	if err != nil {
		t.Fatalf("ParseResourceTypes: %v", err)
	}
	if len(got) != 2 || got[0] != ResourceCondition || got[1] != ResourceObservation {
		t.Errorf("got %v", got)
	}

	if _, err := ParseResourceTypes([]string{"Encounter"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestResourceType_Valid(t *testing.T) {
	for _, rt := range AllResourceTypes() {
		if !rt.Valid() {
			t.Errorf("%s should be valid", rt)
		}
	}
	if ResourceType("Patient").Valid() {
		t.Error("Patient is not an importable type")
	}
}

// Package sandbox is a self-contained SMART on FHIR EHR for development and
// tests. It serves an authorization server with PKCE and refresh tokens, a
// FHIR search endpoint over seeded synthetic patients, and configurable
// faults for exercising the importer's error paths.
package sandbox

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/fhirmodels"
)

// Counts is how many resources of each type every seeded patient gets.
type Counts map[fhir.ResourceType]int

// DefaultCounts gives a patient a chart large enough to span several pages
// of Observations at the default page size.
func DefaultCounts() Counts {
	return Counts{
		fhir.ResourceCondition:          4,
		fhir.ResourceMedicationRequest:  6,
		fhir.ResourceObservation:        45,
		fhir.ResourceAllergyIntolerance: 2,
		fhir.ResourceImmunization:       8,
	}
}

// Chart is one seeded patient and their clinical resources.
type Chart struct {
	PatientID string
	Patient   json.RawMessage
	Resources map[fhir.ResourceType][]json.RawMessage
}

// Dataset holds the seeded charts, keyed by patient id.
type Dataset struct {
	charts []*Chart
	byID   map[string]*Chart
}

// Seed generates one chart per patient. The same seed always yields the same
// ids and content; a zero seed picks a time-based one.
func Seed(seed int64, patients int, counts Counts) *Dataset {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if patients <= 0 {
		patients = 1
	}
	if counts == nil {
		counts = DefaultCounts()
	}

	ds := &Dataset{byID: make(map[string]*Chart, patients)}
	for i := 0; i < patients; i++ {
		g := newGenerator(seed + int64(i)*7919)
		c := g.chart(counts)
		ds.charts = append(ds.charts, c)
		ds.byID[c.PatientID] = c
	}
	return ds
}

// Chart returns the chart for a patient id.
func (d *Dataset) Chart(patientID string) (*Chart, bool) {
	c, ok := d.byID[patientID]
	return c, ok
}

// PatientIDs returns the seeded ids in generation order.
func (d *Dataset) PatientIDs() []string {
	ids := make([]string, len(d.charts))
	for i, c := range d.charts {
		ids[i] = c.PatientID
	}
	return ids
}

// Len is the number of seeded patients.
func (d *Dataset) Len() int { return len(d.charts) }

// corrupt drops the field the mapper requires from the resources at the
// given zero-based positions, in every chart.
func (d *Dataset) corrupt(rt fhir.ResourceType, positions []int) {
	fields := requiredFields[rt]
	for _, c := range d.charts {
		list := c.Resources[rt]
		for _, pos := range positions {
			if pos < 0 || pos >= len(list) {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(list[pos], &m); err != nil {
				continue
			}
			for _, f := range fields {
				delete(m, f)
			}
			list[pos] = mustJSON(m)
		}
	}
}

var requiredFields = map[fhir.ResourceType][]string{
	fhir.ResourceCondition:          {"code"},
	fhir.ResourceMedicationRequest:  {"medicationCodeableConcept", "medicationReference", "contained"},
	fhir.ResourceObservation:        {"code"},
	fhir.ResourceAllergyIntolerance: {"code"},
	fhir.ResourceImmunization:       {"vaccineCode"},
}

type codeEntry struct {
	Code    string
	Display string
}

type observationDef struct {
	Code     string
	Display  string
	Unit     string
	Low      float64
	High     float64
	Category string
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Daniel", "Matthew", "Anthony", "Andrew", "Joshua",
		"Kevin", "Brian", "George", "Edward", "Samuel", "Tyler",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Elizabeth", "Susan",
		"Jessica", "Sarah", "Karen", "Nancy", "Margaret", "Emily", "Michelle",
		"Laura", "Amy", "Anna", "Emma", "Nicole", "Rachel", "Maria",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez",
		"Wilson", "Anderson", "Taylor", "Moore", "Nguyen", "Rivera", "Flores",
	}
	cities = []string{
		"Chicago", "Houston", "Phoenix", "San Antonio", "San Diego",
		"Austin", "Columbus", "Charlotte", "Denver", "Portland",
	}
	states = []string{"IL", "TX", "AZ", "TX", "CA", "TX", "OH", "NC", "CO", "OR"}

	conditionCodes = []codeEntry{
		{"44054006", "Diabetes mellitus type 2"},
		{"38341003", "Hypertensive disorder"},
		{"195967001", "Asthma"},
		{"55822004", "Hyperlipidemia"},
		{"35489007", "Depressive disorder"},
		{"235595009", "Gastroesophageal reflux disease"},
		{"40930008", "Hypothyroidism"},
		{"37796009", "Migraine"},
		{"61582004", "Allergic rhinitis"},
		{"34000006", "Vitamin D deficiency"},
	}

	conditionSeverities = []codeEntry{
		{"255604002", "Mild"},
		{"6736007", "Moderate"},
		{"24484000", "Severe"},
	}

	clinicalStatuses = []string{
		fhirmodels.ConditionActive, fhirmodels.ConditionActive, fhirmodels.ConditionActive,
		fhirmodels.ConditionResolved, fhirmodels.ConditionRemission, fhirmodels.ConditionInactive,
	}

	observationDefs = []observationDef{
		{"8867-4", "Heart rate", "/min", 60, 100, fhirmodels.ObsCategoryVitalSigns},
		{"8310-5", "Body temperature", "Cel", 36.1, 37.2, fhirmodels.ObsCategoryVitalSigns},
		{"29463-7", "Body weight", "kg", 45, 120, fhirmodels.ObsCategoryVitalSigns},
		{"8480-6", "Systolic blood pressure", "mm[Hg]", 90, 120, fhirmodels.ObsCategoryVitalSigns},
		{"8462-4", "Diastolic blood pressure", "mm[Hg]", 60, 80, fhirmodels.ObsCategoryVitalSigns},
		{"2708-6", "Oxygen saturation in Arterial blood", "%", 95, 100, fhirmodels.ObsCategoryVitalSigns},
		{"2339-0", "Glucose [Mass/volume] in Blood", "mg/dL", 70, 99, fhirmodels.ObsCategoryLaboratory},
		{"2093-3", "Cholesterol [Mass/volume] in Serum or Plasma", "mg/dL", 125, 200, fhirmodels.ObsCategoryLaboratory},
		{"718-7", "Hemoglobin [Mass/volume] in Blood", "g/dL", 12, 17.5, fhirmodels.ObsCategoryLaboratory},
		{"4548-4", "Hemoglobin A1c/Hemoglobin.total in Blood", "%", 4, 5.6, fhirmodels.ObsCategoryLaboratory},
		{"2160-0", "Creatinine [Mass/volume] in Serum or Plasma", "mg/dL", 0.6, 1.3, fhirmodels.ObsCategoryLaboratory},
		{"6690-2", "Leukocytes [#/volume] in Blood", "10*3/uL", 4.5, 11, fhirmodels.ObsCategoryLaboratory},
	}

	medications = []codeEntry{
		{"860975", "Metformin hydrochloride 500 MG 24HR Extended Release Oral Tablet"},
		{"314076", "Lisinopril 10 MG Oral Tablet"},
		{"617318", "Atorvastatin 20 MG Oral Tablet"},
		{"198053", "Omeprazole 20 MG Delayed Release Oral Capsule"},
		{"966247", "Levothyroxine Sodium 0.05 MG Oral Tablet"},
		{"197361", "Amlodipine 5 MG Oral Tablet"},
		{"312938", "Sertraline 50 MG Oral Tablet"},
		{"745679", "Albuterol 0.09 MG/ACTUAT Metered Dose Inhaler"},
		{"198440", "Acetaminophen 500 MG Oral Tablet"},
		{"997488", "Montelukast 10 MG Oral Tablet"},
	}

	medicationStatuses = []string{
		fhirmodels.MedRequestActive, fhirmodels.MedRequestActive, fhirmodels.MedRequestActive,
		fhirmodels.MedRequestCompleted, fhirmodels.MedRequestStopped, fhirmodels.MedRequestOnHold,
	}

	allergens = []struct {
		codeEntry
		Category string
	}{
		{codeEntry{"7980", "Penicillin G"}, fhirmodels.AllergyCategoryMedication},
		{codeEntry{"1191", "Aspirin"}, fhirmodels.AllergyCategoryMedication},
		{codeEntry{"10831", "Sulfamethoxazole"}, fhirmodels.AllergyCategoryMedication},
		{codeEntry{"762952008", "Peanut"}, fhirmodels.AllergyCategoryFood},
		{codeEntry{"227037002", "Shellfish"}, fhirmodels.AllergyCategoryFood},
		{codeEntry{"111088007", "Latex"}, fhirmodels.AllergyCategoryEnvironment},
		{codeEntry{"256259004", "Pollen"}, fhirmodels.AllergyCategoryEnvironment},
	}

	reactions = []codeEntry{
		{"247472004", "Hives"},
		{"271807003", "Skin rash"},
		{"39579001", "Anaphylaxis"},
		{"267036007", "Dyspnea"},
		{"422587007", "Nausea"},
	}

	vaccines = []codeEntry{
		{"08", "Hep B, adolescent or pediatric"},
		{"20", "DTaP"},
		{"03", "MMR"},
		{"21", "varicella"},
		{"10", "IPV"},
		{"62", "HPV, quadrivalent"},
		{"141", "Influenza, seasonal, injectable"},
		{"133", "Pneumococcal conjugate PCV 13"},
		{"187", "zoster vaccine recombinant"},
		{"208", "SARS-COV-2 (COVID-19) vaccine, mRNA, spike protein, LNP, preservative free, 30 mcg/0.3mL dose"},
	}
)

// generator produces one patient's resources from its own source so that
// adding patients never changes earlier charts.
type generator struct {
	rng     *rand.Rand
	counter uint64
	prefix  string
}

func newGenerator(seed int64) *generator {
	g := &generator{rng: rand.New(rand.NewSource(seed))}
	g.prefix = fmt.Sprintf("%08x", g.rng.Uint32())
	return g
}

func (g *generator) nextID(kind string) string {
	g.counter++
	return fmt.Sprintf("%s-%s-%04d", kind, g.prefix, g.counter)
}

func (g *generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *generator) pickCode(pool []codeEntry) codeEntry {
	return pool[g.rng.Intn(len(pool))]
}

func (g *generator) chance(pct int) bool {
	return g.rng.Intn(100) < pct
}

func (g *generator) date(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func (g *generator) dateTime(minYear, maxYear int) string {
	return fmt.Sprintf("%sT%02d:%02d:00Z", g.date(minYear, maxYear), 7+g.rng.Intn(11), g.rng.Intn(60))
}

func (g *generator) chart(counts Counts) *Chart {
	patient := g.patient()
	id := patient["id"].(string)
	c := &Chart{
		PatientID: id,
		Patient:   mustJSON(patient),
		Resources: make(map[fhir.ResourceType][]json.RawMessage, len(counts)),
	}

	// Iterate in a fixed order so the random stream is reproducible.
	for _, rt := range fhir.AllResourceTypes() {
		n := counts[rt]
		list := make([]json.RawMessage, 0, n)
		for i := 0; i < n; i++ {
			list = append(list, mustJSON(g.resource(rt, id)))
		}
		if rt == fhir.ResourceObservation {
			sortByEffective(list)
		}
		c.Resources[rt] = list
	}
	return c
}

func (g *generator) resource(rt fhir.ResourceType, patientID string) map[string]any {
	switch rt {
	case fhir.ResourceCondition:
		return g.condition(patientID)
	case fhir.ResourceMedicationRequest:
		return g.medicationRequest(patientID)
	case fhir.ResourceObservation:
		return g.observation(patientID)
	case fhir.ResourceAllergyIntolerance:
		return g.allergy(patientID)
	case fhir.ResourceImmunization:
		return g.immunization(patientID)
	}
	panic("sandbox: no generator for " + string(rt))
}

func (g *generator) patient() map[string]any {
	gender, given := "male", g.pick(firstNamesMale)
	if g.rng.Intn(2) == 0 {
		gender, given = "female", g.pick(firstNamesFemale)
	}
	family := g.pick(lastNames)
	city := g.rng.Intn(len(cities))

	return map[string]any{
		"resourceType": fhir.ResourcePatient,
		"id":           g.nextID("pat"),
		"active":       true,
		"name": []any{map[string]any{
			"use":    "official",
			"family": family,
			"given":  []any{given},
		}},
		"gender":    gender,
		"birthDate": g.date(1940, 2010),
		"address": []any{map[string]any{
			"use":     "home",
			"city":    cities[city],
			"state":   states[city],
			"country": "US",
		}},
		"identifier": []any{map[string]any{
			"system": "urn:oid:1.2.36.146.595.217.0.1",
			"value":  fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000)),
		}},
	}
}

func (g *generator) condition(patientID string) map[string]any {
	code := g.pickCode(conditionCodes)
	status := g.pick(clinicalStatuses)
	r := map[string]any{
		"resourceType":       fhir.ResourceCondition,
		"id":                 g.nextID("cond"),
		"clinicalStatus":     concept(fhirmodels.SystemConditionClinical, codeEntry{status, ""}),
		"verificationStatus": concept(fhirmodels.SystemConditionVerStatus, codeEntry{fhirmodels.ConditionConfirmed, ""}),
		"category": []any{concept("http://terminology.hl7.org/CodeSystem/condition-category",
			codeEntry{"problem-list-item", "Problem List Item"})},
		"code":         concept(fhirmodels.SystemSNOMED, code),
		"subject":      reference(fhir.ResourcePatient, patientID),
		"recordedDate": g.date(2015, 2025),
	}
	switch g.rng.Intn(4) {
	case 0:
		r["onsetPeriod"] = map[string]any{"start": g.date(2000, 2020)}
	case 1:
		r["onsetString"] = fmt.Sprintf("Since %d", 1990+g.rng.Intn(30))
	default:
		r["onsetDateTime"] = g.dateTime(2000, 2022)
	}
	if g.chance(50) {
		r["severity"] = concept(fhirmodels.SystemSNOMED, g.pickCode(conditionSeverities))
	}
	if status == fhirmodels.ConditionResolved {
		r["abatementDateTime"] = g.date(2022, 2025)
	}
	if g.chance(25) {
		r["note"] = []any{map[string]any{"text": "Reviewed at annual visit."}}
	}
	return r
}

func (g *generator) medicationRequest(patientID string) map[string]any {
	med := g.pickCode(medications)
	id := g.nextID("medrx")
	r := map[string]any{
		"resourceType": fhir.ResourceMedicationRequest,
		"id":           id,
		"status":       g.pick(medicationStatuses),
		"intent":       "order",
		"subject":      reference(fhir.ResourcePatient, patientID),
		"authoredOn":   g.date(2019, 2025),
		"requester": map[string]any{
			"reference": "Practitioner/" + g.nextID("prac"),
			"display":   "Dr. " + g.pick(lastNames),
		},
	}

	// A few servers send the drug as a contained Medication.
	if g.chance(15) {
		r["contained"] = []any{map[string]any{
			"resourceType": "Medication",
			"id":           "med1",
			"code":         concept(fhirmodels.SystemRxNorm, med),
		}}
		r["medicationReference"] = map[string]any{"reference": "#med1"}
	} else {
		r["medicationCodeableConcept"] = concept(fhirmodels.SystemRxNorm, med)
	}

	freq := 1 + g.rng.Intn(3)
	dosage := map[string]any{
		"text":  fmt.Sprintf("Take 1 tablet by mouth %d times daily", freq),
		"route": concept(fhirmodels.SystemSNOMED, codeEntry{"26643006", "Oral route"}),
		"timing": map[string]any{"repeat": map[string]any{
			"frequency": freq, "period": 1, "periodUnit": "d",
		}},
		"doseAndRate": []any{map[string]any{"doseQuantity": map[string]any{
			"value": 1, "unit": "tablet",
		}}},
	}
	if g.chance(20) {
		dosage["asNeededBoolean"] = true
	}
	r["dosageInstruction"] = []any{dosage}

	if g.chance(50) {
		r["dispenseRequest"] = map[string]any{"validityPeriod": map[string]any{
			"start": g.date(2023, 2024), "end": g.date(2025, 2026),
		}}
	}
	return r
}

func (g *generator) observation(patientID string) map[string]any {
	def := observationDefs[g.rng.Intn(len(observationDefs))]
	span := def.High - def.Low
	value := def.Low - span*0.3 + g.rng.Float64()*span*1.6
	value = float64(int(value*10)) / 10

	r := map[string]any{
		"resourceType":      fhir.ResourceObservation,
		"id":                g.nextID("obs"),
		"status":            fhirmodels.ObsStatusFinal,
		"category":          []any{concept(fhirmodels.SystemObsCategory, codeEntry{def.Category, ""})},
		"code":              concept(fhirmodels.SystemLOINC, codeEntry{def.Code, def.Display}),
		"subject":           reference(fhir.ResourcePatient, patientID),
		"effectiveDateTime": g.dateTime(2018, 2025),
		"valueQuantity": map[string]any{
			"value": value, "unit": def.Unit, "system": fhirmodels.SystemUCUM, "code": def.Unit,
		},
		"referenceRange": []any{map[string]any{
			"low":  map[string]any{"value": def.Low, "unit": def.Unit},
			"high": map[string]any{"value": def.High, "unit": def.Unit},
		}},
	}

	// Labs usually carry an explicit flag; vitals leave it to the range.
	if def.Category == fhirmodels.ObsCategoryLaboratory && g.chance(70) {
		flag := fhirmodels.InterpNormal
		switch {
		case value > def.High:
			flag = fhirmodels.InterpHigh
		case value < def.Low:
			flag = fhirmodels.InterpLow
		}
		r["interpretation"] = []any{concept(fhirmodels.SystemObsInterpretation, codeEntry{flag, ""})}
		r["issued"] = r["effectiveDateTime"]
	}
	return r
}

func (g *generator) allergy(patientID string) map[string]any {
	a := allergens[g.rng.Intn(len(allergens))]
	r := map[string]any{
		"resourceType":       fhir.ResourceAllergyIntolerance,
		"id":                 g.nextID("alg"),
		"clinicalStatus":     concept(fhirmodels.SystemAllergyClinical, codeEntry{"active", ""}),
		"verificationStatus": concept(fhirmodels.SystemAllergyVerStatus, codeEntry{fhirmodels.AllergyConfirmed, ""}),
		"type":               "allergy",
		"category":           []any{a.Category},
		"criticality":        g.pick([]string{fhirmodels.AllergyCriticalityLow, fhirmodels.AllergyCriticalityHigh}),
		"patient":            reference(fhir.ResourcePatient, patientID),
		"recordedDate":       g.date(2010, 2025),
		"onsetDateTime":      g.date(1990, 2010),
	}
	system := fhirmodels.SystemSNOMED
	if a.Category == fhirmodels.AllergyCategoryMedication {
		system = fhirmodels.SystemRxNorm
	}
	r["code"] = concept(system, a.codeEntry)

	n := 1 + g.rng.Intn(2)
	rs := make([]any, 0, n)
	for i := 0; i < n; i++ {
		rs = append(rs, map[string]any{
			"manifestation": []any{concept(fhirmodels.SystemSNOMED, g.pickCode(reactions))},
			"severity": g.pick([]string{
				fhirmodels.ReactionMild, fhirmodels.ReactionModerate, fhirmodels.ReactionSevere,
			}),
		})
	}
	r["reaction"] = rs
	return r
}

func (g *generator) immunization(patientID string) map[string]any {
	vax := g.pickCode(vaccines)
	r := map[string]any{
		"resourceType":  fhir.ResourceImmunization,
		"id":            g.nextID("imm"),
		"status":        fhirmodels.ImmunizationCompleted,
		"vaccineCode":   concept(fhirmodels.SystemCVX, vax),
		"patient":       reference(fhir.ResourcePatient, patientID),
		"primarySource": g.chance(80),
		"lotNumber":     fmt.Sprintf("%c%c%04d", 'A'+rune(g.rng.Intn(26)), 'A'+rune(g.rng.Intn(26)), g.rng.Intn(10000)),
		"site":          concept("http://terminology.hl7.org/CodeSystem/v3-ActSite", codeEntry{"LA", "left arm"}),
		"route":         concept("http://terminology.hl7.org/CodeSystem/v3-RouteOfAdministration", codeEntry{"IM", "Injection, intramuscular"}),
		"protocolApplied": []any{map[string]any{
			"doseNumberPositiveInt": 1 + g.rng.Intn(3),
		}},
	}
	if g.chance(10) {
		r["occurrenceString"] = fmt.Sprintf("Childhood, around %d", 1970+g.rng.Intn(30))
	} else {
		r["occurrenceDateTime"] = g.date(2000, 2025)
	}
	return r
}

func concept(system string, c codeEntry) map[string]any {
	coding := map[string]any{"system": system, "code": c.Code}
	cc := map[string]any{"coding": []any{coding}}
	if c.Display != "" {
		coding["display"] = c.Display
		cc["text"] = c.Display
	}
	return cc
}

func reference(resourceType, id string) map[string]any {
	return map[string]any{"reference": fhir.FormatReference(resourceType, id)}
}

// sortByEffective orders observations newest first, the way most EHRs
// return them by default.
func sortByEffective(list []json.RawMessage) {
	keys := make([]string, len(list))
	for i, raw := range list {
		var v struct {
			EffectiveDateTime string `json:"effectiveDateTime"`
		}
		_ = json.Unmarshal(raw, &v)
		keys[i] = v.EffectiveDateTime
	}
	sort.Stable(byKeyDesc{list: list, keys: keys})
}

type byKeyDesc struct {
	list []json.RawMessage
	keys []string
}

func (b byKeyDesc) Len() int           { return len(b.list) }
func (b byKeyDesc) Less(i, j int) bool { return b.keys[i] > b.keys[j] }
func (b byKeyDesc) Swap(i, j int) {
	b.list[i], b.list[j] = b.list[j], b.list[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sandbox: marshal generated resource: %v", err))
	}
	return b
}

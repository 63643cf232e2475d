package clinical

import (
	"github.com/google/uuid"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// Namespace seeds the name-based record ids. Changing it changes every id
// handed to the host application.
var Namespace = uuid.MustParse("5b0f6c7e-2a8e-4c1d-9a57-3f7c2e1d8b40")

// RecordID derives a stable id for a source resource. The same server,
// type and FHIR id always produce the same record id.
func RecordID(source string, rt fhir.ResourceType, fhirID string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(source+"/"+string(rt)+"/"+fhirID))
}

// Record is one mapped clinical record. The set of implementations is
// closed: Condition, Medication, LabResult, Allergy and Immunization.
type Record interface {
	RecordID() uuid.UUID
	Kind() fhir.ResourceType
	Title() string
	record()
}

// Code is a normalized coding.
type Code struct {
	System  string `json:"system,omitempty"`
	Value   string `json:"code"`
	Display string `json:"display,omitempty"`
}

func codeOf(cc *fhir.CodeableConcept) Code {
	c, _ := cc.Primary()
	return Code{System: c.System, Value: c.Code, Display: c.Display}
}

type ConditionStatus string

const (
	ConditionStatusActive      ConditionStatus = "active"
	ConditionStatusInactive    ConditionStatus = "inactive"
	ConditionStatusInRemission ConditionStatus = "in-remission"
	ConditionStatusResolved    ConditionStatus = "resolved"
	ConditionStatusUnknown     ConditionStatus = "unknown"
)

type Verification string

const (
	VerificationConfirmed      Verification = "confirmed"
	VerificationUnconfirmed    Verification = "unconfirmed"
	VerificationSuspected      Verification = "suspected"
	VerificationRefuted        Verification = "refuted"
	VerificationEnteredInError Verification = "entered-in-error"
	VerificationUnknown        Verification = "unknown"
)

type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityUnknown  Severity = "unknown"
)

// Condition maps a FHIR Condition.
type Condition struct {
	ID                 uuid.UUID       `json:"id"`
	SourceID           string          `json:"source_id"`
	Name               string          `json:"name"`
	Code               Code            `json:"code"`
	ClinicalStatus     ConditionStatus `json:"clinical_status"`
	VerificationStatus Verification    `json:"verification_status"`
	Severity           Severity        `json:"severity"`
	Category           string          `json:"category,omitempty"`
	Onset              Date            `json:"onset"`
	Abatement          Date            `json:"abatement"`
	Recorded           Date            `json:"recorded"`
	Note               string          `json:"note,omitempty"`
}

func (c *Condition) RecordID() uuid.UUID     { return c.ID }
func (c *Condition) Kind() fhir.ResourceType { return fhir.ResourceCondition }
func (c *Condition) Title() string           { return c.Name }
func (*Condition) record()                   {}

type MedicationStatus string

const (
	MedicationStatusActive         MedicationStatus = "active"
	MedicationStatusAsNeeded       MedicationStatus = "as-needed"
	MedicationStatusCompleted      MedicationStatus = "completed"
	MedicationStatusDiscontinued   MedicationStatus = "discontinued"
	MedicationStatusOnHold         MedicationStatus = "on-hold"
	MedicationStatusPending        MedicationStatus = "pending"
	MedicationStatusEnteredInError MedicationStatus = "entered-in-error"
	MedicationStatusInactive       MedicationStatus = "inactive"
)

// Medication maps a FHIR MedicationRequest.
type Medication struct {
	ID         uuid.UUID        `json:"id"`
	SourceID   string           `json:"source_id"`
	Name       string           `json:"name"`
	Code       Code             `json:"code"`
	Status     MedicationStatus `json:"status"`
	AsNeeded   bool             `json:"as_needed"`
	Dosage     string           `json:"dosage,omitempty"`
	Dose       string           `json:"dose,omitempty"`
	Route      string           `json:"route,omitempty"`
	Frequency  string           `json:"frequency,omitempty"`
	Prescriber string           `json:"prescriber,omitempty"`
	AuthoredOn Date             `json:"authored_on"`
	ValidUntil Date             `json:"valid_until"`
}

func (m *Medication) RecordID() uuid.UUID     { return m.ID }
func (m *Medication) Kind() fhir.ResourceType { return fhir.ResourceMedicationRequest }
func (m *Medication) Title() string           { return m.Name }
func (*Medication) record()                   {}

type Interpretation string

const (
	InterpretationNormal       Interpretation = "normal"
	InterpretationElevated     Interpretation = "elevated"
	InterpretationDecreased    Interpretation = "decreased"
	InterpretationCriticalHigh Interpretation = "critical-high"
	InterpretationCriticalLow  Interpretation = "critical-low"
	InterpretationAbnormal     Interpretation = "abnormal"
	InterpretationUnknown      Interpretation = "unknown"
)

type ResultStatus string

const (
	ResultStatusFinal          ResultStatus = "final"
	ResultStatusPreliminary    ResultStatus = "preliminary"
	ResultStatusCancelled      ResultStatus = "cancelled"
	ResultStatusEnteredInError ResultStatus = "entered-in-error"
	ResultStatusUnknown        ResultStatus = "unknown"
)

// LabResult maps a FHIR Observation.
type LabResult struct {
	ID             uuid.UUID      `json:"id"`
	SourceID       string         `json:"source_id"`
	Name           string         `json:"name"`
	Code           Code           `json:"code"`
	Category       string         `json:"category,omitempty"`
	Status         ResultStatus   `json:"status"`
	Value          string         `json:"value,omitempty"`
	NumericValue   *float64       `json:"numeric_value,omitempty"`
	Unit           string         `json:"unit,omitempty"`
	ReferenceRange string         `json:"reference_range,omitempty"`
	RangeLow       *float64       `json:"range_low,omitempty"`
	RangeHigh      *float64       `json:"range_high,omitempty"`
	Interpretation Interpretation `json:"interpretation"`
	Effective      Date           `json:"effective"`
	Issued         Date           `json:"issued"`
}

func (l *LabResult) RecordID() uuid.UUID     { return l.ID }
func (l *LabResult) Kind() fhir.ResourceType { return fhir.ResourceObservation }
func (l *LabResult) Title() string           { return l.Name }
func (*LabResult) record()                   {}

type AllergyCategory string

const (
	AllergyCategoryFood          AllergyCategory = "food"
	AllergyCategoryMedication    AllergyCategory = "medication"
	AllergyCategoryEnvironmental AllergyCategory = "environmental"
	AllergyCategoryOther         AllergyCategory = "other"
)

type Criticality string

const (
	CriticalityLow            Criticality = "low"
	CriticalityHigh           Criticality = "high"
	CriticalityUnableToAssess Criticality = "unable-to-assess"
	CriticalityUnknown        Criticality = "unknown"
)

type AllergyStatus string

const (
	AllergyStatusActive   AllergyStatus = "active"
	AllergyStatusInactive AllergyStatus = "inactive"
	AllergyStatusResolved AllergyStatus = "resolved"
	AllergyStatusUnknown  AllergyStatus = "unknown"
)

// Allergy maps a FHIR AllergyIntolerance.
type Allergy struct {
	ID             uuid.UUID       `json:"id"`
	SourceID       string          `json:"source_id"`
	Substance      string          `json:"substance"`
	Code           Code            `json:"code"`
	Category       AllergyCategory `json:"category"`
	Criticality    Criticality     `json:"criticality"`
	Verification   Verification    `json:"verification"`
	ClinicalStatus AllergyStatus   `json:"clinical_status"`
	Reactions      []string        `json:"reactions,omitempty"`
	Severity       Severity        `json:"severity"`
	Onset          Date            `json:"onset"`
	Recorded       Date            `json:"recorded"`
}

func (a *Allergy) RecordID() uuid.UUID     { return a.ID }
func (a *Allergy) Kind() fhir.ResourceType { return fhir.ResourceAllergyIntolerance }
func (a *Allergy) Title() string           { return a.Substance }
func (*Allergy) record()                   {}

type ImmunizationStatus string

const (
	ImmunizationStatusCompleted      ImmunizationStatus = "completed"
	ImmunizationStatusNotDone        ImmunizationStatus = "not-done"
	ImmunizationStatusEnteredInError ImmunizationStatus = "entered-in-error"
	ImmunizationStatusUnknown        ImmunizationStatus = "unknown"
)

// Immunization maps a FHIR Immunization.
type Immunization struct {
	ID            uuid.UUID          `json:"id"`
	SourceID      string             `json:"source_id"`
	Vaccine       string             `json:"vaccine"`
	Code          Code               `json:"code"`
	Status        ImmunizationStatus `json:"status"`
	Occurred      Date               `json:"occurred"`
	LotNumber     string             `json:"lot_number,omitempty"`
	PrimarySource *bool              `json:"primary_source,omitempty"`
	Site          string             `json:"site,omitempty"`
	Route         string             `json:"route,omitempty"`
	DoseNumber    string             `json:"dose_number,omitempty"`
}

func (i *Immunization) RecordID() uuid.UUID     { return i.ID }
func (i *Immunization) Kind() fhir.ResourceType { return fhir.ResourceImmunization }
func (i *Immunization) Title() string           { return i.Vaccine }
func (*Immunization) record()                   {}

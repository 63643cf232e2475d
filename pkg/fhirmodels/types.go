package fhirmodels

// Common FHIR value set constants consumed by the import pipeline.

// Code systems.
const (
	SystemICD10CM            = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemSNOMED             = "http://snomed.info/sct"
	SystemLOINC              = "http://loinc.org"
	SystemRxNorm             = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemCVX                = "http://hl7.org/fhir/sid/cvx"
	SystemUCUM               = "http://unitsofmeasure.org"
	SystemConditionClinical  = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionVerStatus = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	SystemAllergyClinical    = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	SystemAllergyVerStatus   = "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification"
	SystemObsCategory        = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemObsInterpretation  = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// ConditionVerificationStatus codes.
const (
	ConditionUnconfirmed    = "unconfirmed"
	ConditionProvisional    = "provisional"
	ConditionDifferential   = "differential"
	ConditionConfirmed      = "confirmed"
	ConditionRefuted        = "refuted"
	ConditionEnteredInError = "entered-in-error"
)

// MedicationRequest status codes.
const (
	MedRequestActive         = "active"
	MedRequestOnHold         = "on-hold"
	MedRequestCancelled      = "cancelled"
	MedRequestCompleted      = "completed"
	MedRequestEnteredInError = "entered-in-error"
	MedRequestStopped        = "stopped"
	MedRequestDraft          = "draft"
	MedRequestUnknown        = "unknown"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns    = "vital-signs"
	ObsCategoryLaboratory    = "laboratory"
	ObsCategoryImaging       = "imaging"
	ObsCategorySocialHistory = "social-history"
	ObsCategorySurvey        = "survey"
	ObsCategoryExam          = "exam"
	ObsCategoryProcedure     = "procedure"
	ObsCategoryActivity      = "activity"
	ObsCategoryTherapy       = "therapy"
)

// ObservationStatus codes.
const (
	ObsStatusRegistered     = "registered"
	ObsStatusPreliminary    = "preliminary"
	ObsStatusFinal          = "final"
	ObsStatusAmended        = "amended"
	ObsStatusCorrected      = "corrected"
	ObsStatusCancelled      = "cancelled"
	ObsStatusEnteredInError = "entered-in-error"
)

// Observation interpretation codes (v3-ObservationInterpretation).
const (
	InterpNormal           = "N"
	InterpHigh             = "H"
	InterpLow              = "L"
	InterpCriticalHigh     = "HH"
	InterpCriticalLow      = "LL"
	InterpAbnormal         = "A"
	InterpCriticalAbnormal = "AA"
	InterpSignificantHigh  = "HU"
	InterpSignificantLow   = "LU"
)

// AllergyIntolerance category codes.
const (
	AllergyCategoryFood        = "food"
	AllergyCategoryMedication  = "medication"
	AllergyCategoryEnvironment = "environment"
	AllergyCategoryBiologic    = "biologic"
)

// AllergyIntolerance criticality codes.
const (
	AllergyCriticalityLow           = "low"
	AllergyCriticalityHigh          = "high"
	AllergyCriticalityUnableToAsses = "unable-to-assess"
)

// AllergyIntolerance verification status codes.
const (
	AllergyUnconfirmed    = "unconfirmed"
	AllergyConfirmed      = "confirmed"
	AllergyRefuted        = "refuted"
	AllergyEnteredInError = "entered-in-error"
)

// AllergyIntolerance reaction severity codes.
const (
	ReactionMild     = "mild"
	ReactionModerate = "moderate"
	ReactionSevere   = "severe"
)

// Immunization status codes.
const (
	ImmunizationCompleted      = "completed"
	ImmunizationNotDone        = "not-done"
	ImmunizationEnteredInError = "entered-in-error"
)

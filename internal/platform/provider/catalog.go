package provider

import (
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

const (
	SMARTSandboxID     = "smart-sandbox"
	EpicSandboxID      = "epic-sandbox"
	CernerSandboxID    = "cerner-sandbox"
	LocalSandboxID     = "local-sandbox"
	LocalEHRLaunchID   = "local-ehr-launch"
	DefaultLocalIssuer = "http://localhost:8095"
)

var patientReadScopes = []string{
	"launch/patient",
	"openid",
	"fhirUser",
	"offline_access",
	"patient/Patient.read",
	"patient/Condition.read",
	"patient/MedicationRequest.read",
	"patient/Observation.read",
	"patient/AllergyIntolerance.read",
	"patient/Immunization.read",
}

const cernerTenant = "ec2458f2-1e24-41c8-b71b-0e701af7583d"

// Default builds the built-in catalog. sandboxIssuer is the root URL of
// the local sandbox EHR; empty uses DefaultLocalIssuer.
func Default(sandboxIssuer string) *Registry {
	issuer := strings.TrimRight(sandboxIssuer, "/")
	if issuer == "" {
		issuer = DefaultLocalIssuer
	}

	r, err := NewRegistry(
		Descriptor{
			ID: SMARTSandboxID,
			DisplayNames: map[string]string{
				"en": "SMART Health IT Sandbox",
				"es": "Entorno de pruebas SMART Health IT",
			},
			BaseURL:       "https://launch.smarthealthit.org/v/r4/fhir",
			AuthorizeURL:  "https://launch.smarthealthit.org/v/r4/auth/authorize",
			TokenURL:      "https://launch.smarthealthit.org/v/r4/auth/token",
			Scopes:        []string{"launch/patient", "openid", "fhirUser", "offline_access", "patient/*.read"},
			ResourceTypes: fhir.AllResourceTypes(),
			PatientFacing: true,
		},
		Descriptor{
			ID: EpicSandboxID,
			DisplayNames: map[string]string{
				"en": "Epic MyChart (Sandbox)",
				"es": "Epic MyChart (pruebas)",
			},
			BaseURL:       "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
			AuthorizeURL:  "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize",
			TokenURL:      "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
			Scopes:        patientReadScopes,
			ResourceTypes: fhir.AllResourceTypes(),
			PatientFacing: true,
		},
		Descriptor{
			ID: CernerSandboxID,
			DisplayNames: map[string]string{
				"en": "Oracle Health (Cerner) Sandbox",
				"es": "Oracle Health (Cerner), pruebas",
			},
			BaseURL:      "https://fhir-myrecord.cerner.com/r4/" + cernerTenant,
			AuthorizeURL: "https://authorization.cerner.com/tenants/" + cernerTenant + "/protocols/oauth2/profiles/smart-v1/personas/patient/authorize",
			TokenURL:     "https://authorization.cerner.com/tenants/" + cernerTenant + "/hosts/fhir-myrecord.cerner.com/protocols/oauth2/profiles/smart-v1/token",
			Scopes:       patientReadScopes,
			// The patient-facing Cerner sandbox does not expose Immunization search.
			ResourceTypes: []fhir.ResourceType{
				fhir.ResourceCondition,
				fhir.ResourceMedicationRequest,
				fhir.ResourceObservation,
				fhir.ResourceAllergyIntolerance,
			},
			PatientFacing: true,
		},
		Descriptor{
			ID: LocalSandboxID,
			DisplayNames: map[string]string{
				"en": "Local Sandbox EHR",
				"es": "EHR local de pruebas",
			},
			BaseURL:       issuer + "/fhir",
			AuthorizeURL:  issuer + "/auth/authorize",
			TokenURL:      issuer + "/auth/token",
			Scopes:        patientReadScopes,
			ResourceTypes: fhir.AllResourceTypes(),
			PatientFacing: true,
		},
		Descriptor{
			ID: LocalEHRLaunchID,
			DisplayNames: map[string]string{
				"en": "Local Sandbox EHR (EHR launch)",
				"es": "EHR local de pruebas (inicio desde EHR)",
			},
			BaseURL:        issuer + "/fhir",
			AuthorizeURL:   issuer + "/auth/authorize",
			TokenURL:       issuer + "/auth/token",
			Scopes:         []string{"launch", "openid", "fhirUser", "offline_access", "patient/*.read"},
			ResourceTypes:  fhir.AllResourceTypes(),
			LaunchRequired: true,
		},
	)
	if err != nil {
		// The catalog is static; a failure here is a programming error.
		panic(err)
	}
	return r
}

package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhir-import/internal/domain/clinical"
	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// Origin says which stage raised an ImportError.
type Origin string

const (
	OriginFetch Origin = "fetch"
	OriginMap   Origin = "map"
	OriginAuth  Origin = "auth"
)

// ImportError is one failure as presented to the user. Fetch and mapping
// failures share this shape.
type ImportError struct {
	ResourceType     fhir.ResourceType `json:"resource_type,omitempty"`
	ResourceID       string            `json:"resource_id,omitempty"`
	Message          string            `json:"message"`
	LocalizedMessage string            `json:"localized_message"`
	Timestamp        time.Time         `json:"timestamp"`
	Recoverable      bool              `json:"recoverable"`
	Origin           Origin            `json:"origin"`
}

// Records is the mapped output of an import in requested type order.
type Records []clinical.Record

// Select returns the records whose ids are not excluded. It is how a caller
// commits only what the user kept.
func (r Records) Select(excluded ...uuid.UUID) Records {
	skip := make(map[uuid.UUID]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	out := make(Records, 0, len(r))
	for _, rec := range r {
		if !skip[rec.RecordID()] {
			out = append(out, rec)
		}
	}
	return out
}

// OfKind returns the records mapped from one resource type.
func (r Records) OfKind(rt fhir.ResourceType) Records {
	var out Records
	for _, rec := range r {
		if rec.Kind() == rt {
			out = append(out, rec)
		}
	}
	return out
}

// Result is the final outcome of one import attempt. It is built once and
// must not be modified.
type Result struct {
	ID             uuid.UUID                 `json:"id"`
	ConnectionID   uuid.UUID                 `json:"connection_id"`
	ProviderID     string                    `json:"provider_id"`
	PatientID      string                    `json:"patient_id,omitempty"`
	ImportedCounts map[fhir.ResourceType]int `json:"imported_counts"`
	Records        Records                   `json:"records"`
	Errors         []ImportError             `json:"errors"`
	Warnings       []string                  `json:"warnings"`
	StartedAt      time.Time                 `json:"started_at"`
	CompletedAt    time.Time                 `json:"completed_at"`
	Duration       time.Duration             `json:"duration"`
	Success        bool                      `json:"success"`
	Summary        string                    `json:"summary"`
}

// Total is the number of mapped records.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.ImportedCounts {
		n += c
	}
	return n
}

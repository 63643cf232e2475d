// Package clinical turns FHIR resources into the normalized records handed
// to the host application. Mapping is pure: no network, storage or clock.
package clinical

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// MappingError identifies the fields that prevented one resource from
// mapping.
type MappingError struct {
	ResourceType fhir.ResourceType
	ResourceID   string
	Fields       []string
	Err          error
}

func (e *MappingError) Error() string {
	var b strings.Builder
	b.WriteString("map ")
	b.WriteString(string(e.ResourceType))
	if e.ResourceID != "" {
		b.WriteString("/")
		b.WriteString(e.ResourceID)
	}
	if len(e.Fields) > 0 {
		b.WriteString(": missing or malformed ")
		b.WriteString(strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MappingError) Unwrap() error { return e.Err }

// Result is the outcome of mapping one resource: exactly one of Record and
// Err is set.
type Result[T any] struct {
	Record T
	Err    *MappingError
}

// OK reports whether mapping succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// ErrUnsupportedType is returned for resource types without a mapper.
var ErrUnsupportedType = errors.New("unsupported resource type")

// Included indexes resources a search returned alongside its matches,
// keyed by "Type/id".
type Included map[string]json.RawMessage

// Map converts one raw resource of type rt. source identifies the server the
// resource came from and scopes the derived record id.
func Map(source string, rt fhir.ResourceType, raw json.RawMessage) Result[Record] {
	return MapIncluded(source, rt, raw, nil)
}

// MapIncluded is Map with the search's included resources available for
// resolving references.
func MapIncluded(source string, rt fhir.ResourceType, raw json.RawMessage, inc Included) (res Result[Record]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[Record]{Err: &MappingError{
				ResourceType: rt,
				ResourceID:   headerID(raw),
				Err:          fmt.Errorf("panic: %v", r),
			}}
		}
	}()

	switch rt {
	case fhir.ResourceCondition:
		return lift(MapCondition(source, raw))
	case fhir.ResourceMedicationRequest:
		return lift(MapMedicationRequestIncluded(source, raw, inc))
	case fhir.ResourceObservation:
		return lift(MapObservation(source, raw))
	case fhir.ResourceAllergyIntolerance:
		return lift(MapAllergyIntolerance(source, raw))
	case fhir.ResourceImmunization:
		return lift(MapImmunization(source, raw))
	}
	return Result[Record]{Err: &MappingError{ResourceType: rt, ResourceID: headerID(raw), Err: ErrUnsupportedType}}
}

// MapBatch maps every resource independently. A failure never affects its
// siblings; the output has one Result per input, in order.
func MapBatch(source string, rt fhir.ResourceType, raws []json.RawMessage) []Result[Record] {
	return MapBatchIncluded(source, rt, raws, nil)
}

// MapBatchIncluded is MapBatch with the search's included resources.
func MapBatchIncluded(source string, rt fhir.ResourceType, raws []json.RawMessage, inc Included) []Result[Record] {
	out := make([]Result[Record], len(raws))
	for i, raw := range raws {
		out[i] = MapIncluded(source, rt, raw, inc)
	}
	return out
}

func lift[T Record](rec T, err error) Result[Record] {
	if err != nil {
		var merr *MappingError
		if !errors.As(err, &merr) {
			merr = &MappingError{Err: err}
		}
		return Result[Record]{Err: merr}
	}
	return Result[Record]{Record: rec}
}

func headerID(raw json.RawMessage) string {
	h, err := fhir.DecodeHeader(raw)
	if err != nil {
		return ""
	}
	return h.ID
}

// header is embedded by every wire struct.
type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// problems accumulates field failures for one resource.
type problems struct {
	rt     fhir.ResourceType
	id     string
	fields []string
}

func (p *problems) add(field string) { p.fields = append(p.fields, field) }

// date parses an optional date field, recording a problem when it is
// present but malformed.
func (p *problems) date(field, s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		p.add(field)
	}
	return d
}

func (p *problems) err() error {
	if len(p.fields) == 0 {
		return nil
	}
	sort.Strings(p.fields)
	return &MappingError{ResourceType: p.rt, ResourceID: p.id, Fields: p.fields}
}

// decode unmarshals raw into v and checks the resource header. The returned
// problems collects any further field failures.
func decode(rt fhir.ResourceType, raw json.RawMessage, v any, h *header) (*problems, error) {
	p := &problems{rt: rt, id: headerID(raw)}
	if err := json.Unmarshal(raw, v); err != nil {
		merr := &MappingError{ResourceType: rt, ResourceID: p.id, Err: err}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			merr.Fields = []string{typeErr.Field}
			merr.Err = nil
		}
		return nil, merr
	}
	if h.ResourceType != string(rt) {
		return nil, &MappingError{ResourceType: rt, ResourceID: h.ID, Fields: []string{"resourceType"}}
	}
	if h.ID == "" {
		p.add("id")
	}
	return p, nil
}

// lookup resolves a code through a fixed table, falling back to def for
// anything unrecognized.
func lookup[T ~string](table map[string]T, code string, def T) T {
	if v, ok := table[strings.ToLower(strings.TrimSpace(code))]; ok {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func notes(ns []fhir.Annotation) string {
	parts := make([]string, 0, len(ns))
	for _, n := range ns {
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

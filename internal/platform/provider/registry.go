package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// Registry is a read-only set of descriptors keyed by id. Descriptors
// handed out are copies, so callers cannot mutate the catalog.
type Registry struct {
	byID map[string]Descriptor
}

// NewRegistry validates every descriptor and rejects duplicate ids.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", d.ID)
		}
		r.byID[d.ID] = d.clone()
	}
	return r, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return d.clone(), nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Supports reports whether provider id declares the resource type.
// Unknown ids support nothing.
func (r *Registry) Supports(id string, rt fhir.ResourceType) bool {
	d, ok := r.byID[id]
	return ok && d.Supports(rt)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.byID) }

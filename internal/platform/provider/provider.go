// Package provider is the static catalog of EHR endpoints the importer can
// connect to.
package provider

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// ErrUnknownProvider is returned by Lookup for ids not in the registry.
var ErrUnknownProvider = errors.New("unknown provider")

// Descriptor is the immutable configuration of one EHR endpoint.
type Descriptor struct {
	ID string
	// DisplayNames is keyed by BCP 47 tag. "en" should always be present.
	DisplayNames  map[string]string
	BaseURL       string
	AuthorizeURL  string
	TokenURL      string
	Scopes        []string
	ResourceTypes []fhir.ResourceType
	// LaunchRequired marks EHR-launch-only endpoints that reject
	// authorization requests without a launch token.
	LaunchRequired bool
	PatientFacing  bool
	// Audience overrides the aud parameter. Empty means BaseURL.
	Audience string
}

// DisplayName returns the name best matching locale, falling back to
// English and then to the id.
func (d Descriptor) DisplayName(locale string) string {
	if len(d.DisplayNames) == 0 {
		return d.ID
	}
	keys := make([]string, 0, len(d.DisplayNames))
	for k := range d.DisplayNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]language.Tag, 0, len(keys))
	names := make([]string, 0, len(keys))
	// English first so it wins when nothing else matches.
	if name, ok := d.DisplayNames["en"]; ok {
		tags = append(tags, language.English)
		names = append(names, name)
	}
	for _, k := range keys {
		if k == "en" {
			continue
		}
		tag, err := language.Parse(k)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		names = append(names, d.DisplayNames[k])
	}
	if len(tags) == 0 {
		return d.ID
	}

	want, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(want) == 0 {
		return names[0]
	}
	_, idx, conf := language.NewMatcher(tags).Match(want...)
	if conf == language.No {
		return names[0]
	}
	return names[idx]
}

// Aud returns the audience sent on authorization requests.
func (d Descriptor) Aud() string {
	if d.Audience != "" {
		return d.Audience
	}
	return d.BaseURL
}

// Supports reports whether the endpoint declares the resource type.
func (d Descriptor) Supports(rt fhir.ResourceType) bool {
	return slices.Contains(d.ResourceTypes, rt)
}

// Validate checks the descriptor is usable for an authorization flow.
func (d Descriptor) Validate() error {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	for name, raw := range map[string]string{
		"base URL":      d.BaseURL,
		"authorize URL": d.AuthorizeURL,
		"token URL":     d.TokenURL,
	} {
		if raw == "" {
			problems = append(problems, name+" is required")
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			problems = append(problems, name+" must be an absolute http(s) URL")
		}
	}
	if len(d.Scopes) == 0 {
		problems = append(problems, "at least one scope is required")
	}
	for _, rt := range d.ResourceTypes {
		if !rt.Valid() {
			problems = append(problems, fmt.Sprintf("unsupported resource type %q", rt))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{ProviderID: d.ID, Problems: problems}
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.DisplayNames = make(map[string]string, len(d.DisplayNames))
	for k, v := range d.DisplayNames {
		out.DisplayNames[k] = v
	}
	out.Scopes = slices.Clone(d.Scopes)
	out.ResourceTypes = slices.Clone(d.ResourceTypes)
	return out
}

// ValidationError lists everything wrong with a descriptor.
type ValidationError struct {
	ProviderID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.ProviderID, strings.Join(e.Problems, "; "))
}

package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Count != DefaultCount {
		t.Errorf("expected default count %d, got %d", DefaultCount, p.Count)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_FHIRParams(t *testing.T) {
	p := FromContext(newContext("/?_count=25&_offset=5"))

	if p.Count != 25 {
		t.Errorf("expected count 25, got %d", p.Count)
	}
	if p.Offset != 5 {
		t.Errorf("expected offset 5, got %d", p.Offset)
	}
}

func TestFromContext_MaxCount(t *testing.T) {
	p := FromContext(newContext("/?_count=5000"))
	if p.Count != MaxCount {
		t.Errorf("expected count capped at %d, got %d", MaxCount, p.Count)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(newContext("/?_offset=-3"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		name       string
		p          Params
		total      int
		start, end int
	}{
		{"first page", Params{Count: 5, Offset: 0}, 8, 0, 5},
		{"last partial page", Params{Count: 5, Offset: 5}, 8, 5, 8},
		{"past the end", Params{Count: 5, Offset: 20}, 8, 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.p.Window(tt.total)
			if start != tt.start || end != tt.end {
				t.Errorf("Window(%d) = (%d, %d), want (%d, %d)", tt.total, start, end, tt.start, tt.end)
			}
		})
	}
}

func TestParams_FHIRLinks(t *testing.T) {
	p := Params{Count: 5, Offset: 0}
	query := url.Values{"patient": {"pat-1"}, "_count": {"5"}}

	links := p.FHIRLinks("http://ehr.test/fhir/Condition", query, 8)
	if len(links) != 2 {
		t.Fatalf("expected self and next links, got %d", len(links))
	}
	if links[1].Relation != "next" {
		t.Fatalf("expected next relation, got %q", links[1].Relation)
	}
	if !strings.Contains(links[1].URL, "_offset=5") {
		t.Errorf("next link %q missing _offset=5", links[1].URL)
	}
	if !strings.Contains(links[1].URL, "patient=pat-1") {
		t.Errorf("next link %q lost the patient filter", links[1].URL)
	}
}

func TestParams_FHIRLinks_LastPage(t *testing.T) {
	p := Params{Count: 5, Offset: 5}
	links := p.FHIRLinks("http://ehr.test/fhir/Condition", url.Values{}, 8)
	if len(links) != 1 {
		t.Fatalf("expected only a self link, got %d", len(links))
	}
}

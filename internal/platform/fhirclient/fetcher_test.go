package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

type refresher struct {
	calls atomic.Int32
	token string
	err   error
}

func (r *refresher) RefreshToken(_ context.Context, conn *auth.Connection) (*auth.Connection, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	next := conn.Clone()
	next.AccessToken = r.token
	return next, nil
}

func newSession(baseURL string, r auth.Refresher) *auth.Session {
	return auth.NewSession(&auth.Connection{
		ProviderID:   "test",
		BaseURL:      baseURL,
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
		PatientID:    "pat-1",
	}, r, auth.SessionOptions{})
}

func searchBundle(rt string, ids []string, next string, total int) []byte {
	entries := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, map[string]any{
			"fullUrl":  rt + "/" + id,
			"resource": map[string]any{"resourceType": rt, "id": id},
			"search":   map[string]any{"mode": "match"},
		})
	}
	b := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"entry":        entries,
	}
	if next != "" {
		b["link"] = []map[string]any{{"relation": "next", "url": next}}
	}
	out, _ := json.Marshal(b)
	return out
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}
	return out
}

// fhirServer answers each resource type from a handler keyed by type.
type fhirServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests map[string]int
	tokens   []string
}

func newFHIRServer(t *testing.T) *fhirServer {
	t.Helper()
	fs := &fhirServer{handlers: map[string]http.HandlerFunc{}, requests: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := strings.TrimPrefix(r.URL.Path, "/fhir/")
		fs.mu.Lock()
		fs.requests[rt]++
		fs.tokens = append(fs.tokens, r.Header.Get("Authorization"))
		h := fs.handlers[rt]
		fs.mu.Unlock()

		if r.Header.Get("Accept") != "application/fhir+json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if h == nil {
			w.Header().Set("Content-Type", "application/fhir+json")
			_, _ = w.Write(searchBundle(rt, ids(rt, 2), "", 2))
			return
		}
		h(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fhirServer) base() string { return fs.URL + "/fhir" }

func (fs *fhirServer) handle(rt string, h http.HandlerFunc) {
	fs.mu.Lock()
	fs.handlers[rt] = h
	fs.mu.Unlock()
}

func (fs *fhirServer) count(rt string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[rt]
}

// paged serves pages of the given sizes using _offset.
func (fs *fhirServer) paged(rt string, sizes ...int) http.HandlerFunc {
	total := 0
	for _, n := range sizes {
		total += n
	}
	return func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if v := r.URL.Query().Get("_page"); v != "" {
			fmt.Sscanf(v, "%d", &page)
		}
		next := ""
		if page+1 < len(sizes) {
			next = fmt.Sprintf("%s/%s?patient=pat-1&_page=%d", fs.base(), rt, page+1)
		}
		start := 0
		for i := 0; i < page; i++ {
			start += sizes[i]
		}
		pageIDs := make([]string, sizes[page])
		for i := range pageIDs {
			pageIDs[i] = fmt.Sprintf("%s-%d", rt, start+i+1)
		}
		_, _ = w.Write(searchBundle(rt, pageIDs, next, total))
	}
}

func quickFetcher(opts ...Option) *Fetcher {
	base := []Option{WithRetries(1, time.Millisecond)}
	return New(append(base, opts...)...)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFetchType_FollowsNextLinks(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", fs.paged("Condition", 5, 3))

	var events []PageEvent
	res, err := quickFetcher(WithPageSize(5)).FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, func(ev PageEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if len(res.Resources) != 8 || res.Pages != 2 || res.Total != 8 || res.Err != nil {
		t.Fatalf("unexpected result: resources=%d pages=%d total=%d err=%v", len(res.Resources), res.Pages, res.Total, res.Err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 progress events, got %d", len(events))
	}
	if events[0].Fetched != 5 || events[1].Fetched != 8 || events[1].PageResources != 3 || events[1].Total != 8 {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestFetchType_SearchParameters(t *testing.T) {
	fs := newFHIRServer(t)
	var query string
	fs.handle("Immunization", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write(searchBundle("Immunization", nil, "", 0))
	})

	_, err := quickFetcher(WithPageSize(25)).FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceImmunization, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if query != "_count=25&patient=pat-1" {
		t.Errorf("query = %q", query)
	}
	if fs.tokens[0] != "Bearer token-1" {
		t.Errorf("Authorization = %q", fs.tokens[0])
	}
}

func TestFetchResources_IsolatesFailingType(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("MedicationRequest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"exception","diagnostics":"database offline"}]}`))
	})

	results, err := quickFetcher().FetchResources(context.Background(), newSession(fs.base(), nil), fhir.AllResourceTypes(), nil)
	if err != nil {
		t.Fatalf("FetchResources: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	med := results[fhir.ResourceMedicationRequest]
	if med.Err == nil || med.Err.StatusCode != 500 || len(med.Resources) != 0 {
		t.Fatalf("MedicationRequest: %+v", med)
	}
	if med.Err.Diagnostics != "database offline" {
		t.Errorf("Diagnostics = %q", med.Err.Diagnostics)
	}
	if med.Err.Attempts != 2 || fs.count("MedicationRequest") != 2 {
		t.Errorf("expected 1 retry, attempts=%d requests=%d", med.Err.Attempts, fs.count("MedicationRequest"))
	}

	for _, rt := range []fhir.ResourceType{fhir.ResourceCondition, fhir.ResourceObservation, fhir.ResourceAllergyIntolerance, fhir.ResourceImmunization} {
		if r := results[rt]; r.Err != nil || len(r.Resources) != 2 {
			t.Errorf("%s: %+v", rt, r)
		}
	}
}

func TestFetchType_PartialResultsKept(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Observation", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_page") == "" {
			_, _ = w.Write(searchBundle("Observation", ids("obs", 3), fs.base()+"/Observation?_page=1", 6))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	res, err := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceObservation, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if len(res.Resources) != 3 || res.Err == nil || res.Err.Page != 2 {
		t.Errorf("expected 3 kept resources and a page-2 error, got %d / %v", len(res.Resources), res.Err)
	}
}

func TestFetchType_TransientRecovers(t *testing.T) {
	fs := newFHIRServer(t)
	var n atomic.Int32
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(searchBundle("Condition", ids("c", 1), "", 1))
	})

	res, err := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if err != nil || res.Err != nil || len(res.Resources) != 1 {
		t.Fatalf("expected recovery, got err=%v res=%+v", err, res)
	}
}

func TestFetchType_NonTransientNotRetried(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	res, _ := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if res.Err == nil || res.Err.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 ResourceError, got %v", res.Err)
	}
	if fs.count("Condition") != 1 {
		t.Errorf("403 retried: %d requests", fs.count("Condition"))
	}
}

func TestFetchType_RefreshOn401ThenRetryPage(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(searchBundle("Condition", ids("c", 4), "", 4))
	})
	r := &refresher{token: "token-2"}

	res, err := quickFetcher().FetchType(context.Background(), newSession(fs.base(), r), fhir.ResourceCondition, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if res.Err != nil || len(res.Resources) != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}
	if fs.count("Condition") != 2 {
		t.Errorf("requests = %d, want 2 (original + one retry)", fs.count("Condition"))
	}
}

func TestFetchType_RefreshKeepsRetryBudget(t *testing.T) {
	fs := newFHIRServer(t)
	var n atomic.Int32
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		switch n.Add(1) {
		case 1:
			w.WriteHeader(http.StatusUnauthorized)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write(searchBundle("Condition", ids("c", 3), "", 3))
		}
	})
	r := &refresher{token: "token-2"}

	res, err := quickFetcher().FetchType(context.Background(), newSession(fs.base(), r), fhir.ResourceCondition, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if res.Err != nil || len(res.Resources) != 3 {
		t.Fatalf("expected recovery after refresh and one retry, got err=%v resources=%d", res.Err, len(res.Resources))
	}
	if fs.count("Condition") != 3 {
		t.Errorf("requests = %d, want 3", fs.count("Condition"))
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}
}

func TestFetchType_RefreshesBeforeExpiry(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(searchBundle("Condition", ids("c", 2), "", 2))
	})
	r := &refresher{token: "token-2"}
	s := auth.NewSession(&auth.Connection{
		ProviderID:   "test",
		BaseURL:      fs.base(),
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
		PatientID:    "pat-1",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}, r, auth.SessionOptions{RefreshLeeway: time.Minute})

	res, err := quickFetcher().FetchType(context.Background(), s, fhir.ResourceCondition, nil)
	if err != nil || res.Err != nil || len(res.Resources) != 2 {
		t.Fatalf("err=%v res=%+v", err, res)
	}
	if fs.count("Condition") != 1 {
		t.Errorf("requests = %d, want 1 (no 401 round trip)", fs.count("Condition"))
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}
}

func TestFetchResources_Second401StopsOnlyThatType(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Observation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	r := &refresher{token: "token-2"}

	results, err := quickFetcher().FetchResources(context.Background(), newSession(fs.base(), r),
		[]fhir.ResourceType{fhir.ResourceObservation, fhir.ResourceCondition}, nil)
	if err != nil {
		t.Fatalf("FetchResources: %v", err)
	}

	obs := results[fhir.ResourceObservation]
	if obs.Err == nil || !obs.Err.Unauthorized() {
		t.Fatalf("expected unauthorized ResourceError, got %v", obs.Err)
	}
	if fs.count("Observation") != 2 {
		t.Errorf("Observation requests = %d, want 2", fs.count("Observation"))
	}
	if cond := results[fhir.ResourceCondition]; cond.Err != nil || len(cond.Resources) != 2 {
		t.Errorf("Condition affected: %+v", cond)
	}
}

func TestFetchResources_FailedRefreshIsFatal(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	r := &refresher{err: &auth.ReauthenticationRequiredError{ProviderID: "test", Reason: "revoked"}}

	_, err := quickFetcher().FetchResources(context.Background(), newSession(fs.base(), r),
		[]fhir.ResourceType{fhir.ResourceCondition}, nil)
	if !errors.Is(err, auth.ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired, got %v", err)
	}
}

func TestFetchType_Ceiling(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", fs.paged("Condition", 5, 3))

	res, err := quickFetcher(WithMaxPerType(4)).FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if len(res.Resources) != 4 || !res.Truncated || len(res.Warnings) != 1 {
		t.Errorf("resources=%d truncated=%v warnings=%v", len(res.Resources), res.Truncated, res.Warnings)
	}
	if fs.count("Condition") != 1 {
		t.Errorf("fetched past the ceiling: %d requests", fs.count("Condition"))
	}
}

func TestFetchType_ForeignNextLinkRefused(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
	}))
	defer foreign.Close()

	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(searchBundle("Condition", ids("c", 2), foreign.URL+"/fhir/Condition?page=2", 4))
	})

	res, err := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if err != nil {
		t.Fatalf("FetchType: %v", err)
	}
	if res.Err == nil || !errors.Is(res.Err, ErrForeignNextLink) {
		t.Fatalf("expected ErrForeignNextLink, got %v", res.Err)
	}
	if len(res.Resources) != 2 {
		t.Errorf("first page dropped: %d resources", len(res.Resources))
	}
	if foreignHits.Load() != 0 {
		t.Error("request sent to foreign host")
	}
}

func TestFetchType_RelativeNextLink(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			_, _ = w.Write(searchBundle("Condition", ids("a", 1), "Condition?page=2", 2))
			return
		}
		_, _ = w.Write(searchBundle("Condition", ids("b", 1), "", 2))
	})

	res, _ := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if res.Err != nil || len(res.Resources) != 2 {
		t.Fatalf("relative next not followed: %+v", res)
	}
}

func TestFetchType_PaginationLoop(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(searchBundle("Condition", ids("c", 1), fs.base()+"/Condition?loop=1", 1))
	})

	res, _ := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if res.Pages != 2 || len(res.Warnings) != 1 {
		t.Errorf("pages=%d warnings=%v", res.Pages, res.Warnings)
	}
}

func TestFetchType_SkipsIncludesAndOutcomes(t *testing.T) {
	fs := newFHIRServer(t)
	var query string
	fs.handle("MedicationRequest", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"MedicationRequest","id":"m1"},"search":{"mode":"match"}},
			{"resource":{"resourceType":"Medication","id":"med1"},"search":{"mode":"include"}},
			{"resource":{"resourceType":"OperationOutcome","issue":[{"severity":"warning","code":"incomplete","diagnostics":"some results hidden"}]},"search":{"mode":"outcome"}},
			{"fullUrl":"urn:uuid:empty"}
		]}`))
	})

	res, _ := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceMedicationRequest, nil)
	if len(res.Resources) != 1 {
		t.Errorf("resources = %d, want 1", len(res.Resources))
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "some results hidden") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if res.Total != -1 {
		t.Errorf("Total = %d, want -1 when absent", res.Total)
	}
	if len(res.Included) != 1 || res.Included["Medication/med1"] == nil {
		t.Errorf("Included = %v", res.Included)
	}
	if query != "_count=50&_include=MedicationRequest%3Amedication&patient=pat-1" {
		t.Errorf("query = %q", query)
	}
}

func TestFetchType_MalformedBundle(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Condition", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})

	res, _ := quickFetcher().FetchType(context.Background(), newSession(fs.base(), nil), fhir.ResourceCondition, nil)
	if res.Err == nil || res.Err.StatusCode != 200 {
		t.Fatalf("expected decode ResourceError, got %v", res.Err)
	}
}

func TestFetchResources_NoPatient(t *testing.T) {
	s := auth.NewSession(&auth.Connection{BaseURL: "https://ehr.test/fhir", AccessToken: "t"}, nil, auth.SessionOptions{})
	_, err := New().FetchResources(context.Background(), s, fhir.AllResourceTypes(), nil)
	if !errors.Is(err, ErrNoPatient) {
		t.Fatalf("expected ErrNoPatient, got %v", err)
	}
}

func TestFetchResources_ProgressSerialized(t *testing.T) {
	fs := newFHIRServer(t)
	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
		events   atomic.Int32
	)
	_, err := quickFetcher().FetchResources(context.Background(), newSession(fs.base(), nil), fhir.AllResourceTypes(), func(PageEvent) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		events.Add(1)
		inFlight.Add(-1)
	})
	if err != nil {
		t.Fatalf("FetchResources: %v", err)
	}
	if overlap.Load() {
		t.Error("progress callback invoked concurrently")
	}
	if events.Load() != 5 {
		t.Errorf("events = %d, want 5", events.Load())
	}
}

func TestResolvePatient(t *testing.T) {
	fs := newFHIRServer(t)
	var query string
	fs.handle("Patient", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write(searchBundle("Patient", []string{"pt-9"}, "", 1))
	})
	s := auth.NewSession(&auth.Connection{BaseURL: fs.base(), AccessToken: "t"}, nil, auth.SessionOptions{})

	id, err := New().ResolvePatient(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	if id != "pt-9" || query != "_count=1" {
		t.Errorf("id=%q query=%q", id, query)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"120", 5 * time.Second},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFetchEach_DoneOncePerType(t *testing.T) {
	fs := newFHIRServer(t)
	fs.handle("Observation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	done := map[fhir.ResourceType]*TypeResult{}
	err := quickFetcher().FetchEach(context.Background(), newSession(fs.base(), nil), fhir.AllResourceTypes(), nil, func(res *TypeResult) {
		if _, dup := done[res.Type]; dup {
			t.Errorf("done called twice for %s", res.Type)
		}
		done[res.Type] = res
	})
	if err != nil {
		t.Fatalf("FetchEach: %v", err)
	}
	if len(done) != 5 {
		t.Fatalf("done called for %d types, want 5", len(done))
	}
	if done[fhir.ResourceObservation].Err == nil {
		t.Error("Observation failure not reported")
	}
}

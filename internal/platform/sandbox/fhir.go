package sandbox

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/pkg/pagination"
)

const claimsKey = "sandbox.claims"

// Faults injects failures into the FHIR and token endpoints.
type Faults struct {
	Types map[fhir.ResourceType]TypeFault
	// RejectRefresh fails every refresh_token grant with invalid_grant.
	RejectRefresh bool
}

// TypeFault describes failures for one resource type's search.
//
// Status is returned instead of page Page (1-based; 0 means every page),
// Times times in total (0 means forever). Unauthorized answers the first
// n searches of the type with 401 regardless of the token. Malformed lists
// zero-based positions in each chart whose resource loses the field the
// importer requires.
type TypeFault struct {
	Status       int
	Page         int
	Times        int
	RetryAfter   time.Duration
	Unauthorized int
	Malformed    []int
}

type faultCounters struct {
	failures     int
	unauthorized int
}

type faultState struct {
	mu       sync.Mutex
	faults   map[fhir.ResourceType]TypeFault
	counters map[fhir.ResourceType]*faultCounters
}

func newFaultState(f Faults) *faultState {
	fs := &faultState{
		faults:   f.Types,
		counters: make(map[fhir.ResourceType]*faultCounters, len(f.Types)),
	}
	for rt := range f.Types {
		fs.counters[rt] = &faultCounters{}
	}
	return fs
}

// check reports the status to fail this request with, or 0.
func (fs *faultState) check(rt fhir.ResourceType, page int) (int, time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.faults[rt]
	if !ok {
		return 0, 0
	}
	n := fs.counters[rt]
	if n.unauthorized < f.Unauthorized {
		n.unauthorized++
		return http.StatusUnauthorized, 0
	}
	if f.Status == 0 || (f.Page != 0 && f.Page != page) {
		return 0, 0
	}
	if f.Times != 0 && n.failures >= f.Times {
		return 0, 0
	}
	n.failures++
	return f.Status, f.RetryAfter
}

// requireBearer validates the access token and stores its claims.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return unauthorized(c, "missing bearer token")
		}
		claims, err := s.authz.verify(token, s.issuer(c))
		if err != nil {
			s.logger.Debug().Err(err).Msg("rejected access token")
			return unauthorized(c, "invalid or expired access token")
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	return outcome(c, http.StatusUnauthorized, "login", msg)
}

func outcome(c echo.Context, status int, code, msg string) error {
	return fhirJSON(c, status, fhir.NewOperationOutcome("error", code, msg))
}

func fhirJSON(c echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, "application/fhir+json", b)
}

func (s *Server) handleSearch(c echo.Context) error {
	claims := c.Get(claimsKey).(*AccessClaims)
	name := c.Param("type")

	if name == fhir.ResourcePatient {
		return s.searchPatients(c, claims)
	}
	rt := fhir.ResourceType(name)
	if !rt.Valid() {
		return outcome(c, http.StatusNotFound, "not-supported", "resource type "+name+" is not supported")
	}
	if !auth.ScopeGrantsRead(claims.Scope, name) {
		return outcome(c, http.StatusForbidden, "forbidden", "token scope does not permit reading "+name)
	}

	patientID := c.QueryParam("patient")
	if patientID == "" {
		patientID = c.QueryParam("subject")
	}
	patientID = strings.TrimPrefix(patientID, fhir.ResourcePatient+"/")
	if patientID == "" {
		return outcome(c, http.StatusBadRequest, "required", "search requires the patient parameter")
	}
	if claims.Patient != "" && patientID != claims.Patient {
		return outcome(c, http.StatusForbidden, "forbidden", "token is not authorized for this patient")
	}

	p := pagination.FromContext(c)
	page := p.Offset/p.Count + 1
	if status, retryAfter := s.faults.check(rt, page); status != 0 {
		s.logger.Debug().Str("resource_type", name).Int("page", page).Int("status", status).Msg("injected fault")
		if status == http.StatusUnauthorized {
			return unauthorized(c, "access token expired")
		}
		if retryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}
		return outcome(c, status, "transient", "injected failure on page "+strconv.Itoa(page))
	}

	var all []json.RawMessage
	if chart, ok := s.data.Chart(patientID); ok {
		all = chart.Resources[rt]
	}
	return s.searchset(c, name, p, all)
}

// searchPatients answers a bare Patient search with the token's patient,
// as patient-facing servers do.
func (s *Server) searchPatients(c echo.Context, claims *AccessClaims) error {
	id := c.QueryParam("_id")
	if id == "" {
		id = claims.Patient
	}
	var all []json.RawMessage
	if chart, ok := s.data.Chart(id); ok && (claims.Patient == "" || claims.Patient == id) {
		all = []json.RawMessage{chart.Patient}
	}
	return s.searchset(c, fhir.ResourcePatient, pagination.FromContext(c), all)
}

func (s *Server) searchset(c echo.Context, name string, p pagination.Params, all []json.RawMessage) error {
	total := len(all)
	start, end := p.Window(total)

	var links []fhir.BundleLink
	for _, l := range p.FHIRLinks(s.issuer(c)+"/fhir/"+name, c.QueryParams(), total) {
		links = append(links, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return fhirJSON(c, http.StatusOK, fhir.NewSearchBundle(all[start:end], total, links))
}

func (s *Server) handlePatientRead(c echo.Context) error {
	claims := c.Get(claimsKey).(*AccessClaims)
	id := c.Param("id")
	if claims.Patient != "" && claims.Patient != id {
		return outcome(c, http.StatusForbidden, "forbidden", "token is not authorized for this patient")
	}
	chart, ok := s.data.Chart(id)
	if !ok {
		return outcome(c, http.StatusNotFound, "not-found", "Patient/"+id+" is not known")
	}
	return c.Blob(http.StatusOK, "application/fhir+json", chart.Patient)
}

// Package fhirclient retrieves FHIR search results page by page for an
// authenticated session.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/internal/platform/metrics"
)

const (
	DefaultPageSize   = 50
	DefaultMaxPerType = 1000
	DefaultRetries    = 1
	DefaultRetryDelay = 500 * time.Millisecond

	maxRetryAfter = 5 * time.Second
	maxBundleBody = 32 << 20

	mediaTypeFHIRJSON = "application/fhir+json"
)

// Session is the authenticated connection the fetcher reads through.
// *auth.Session satisfies it.
type Session interface {
	Connection() *auth.Connection
	Fresh(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// PageEvent is reported after every successfully retrieved page.
type PageEvent struct {
	Type fhir.ResourceType
	Page int
	// PageResources is the number of matching resources on this page.
	PageResources int
	// Fetched is the cumulative count for the type.
	Fetched int
	// Total is the server-declared match count, or -1 when unknown.
	Total int
}

// ProgressFunc receives page events. Calls are serialized across resource
// types.
type ProgressFunc func(PageEvent)

// TypeResult is everything retrieved for one resource type.
type TypeResult struct {
	Type      fhir.ResourceType
	Resources []json.RawMessage
	Pages     int
	// Total is the server-declared match count, or -1 when unknown.
	Total     int
	Truncated bool
	// Err is set when retrieval stopped early. Resources holds the pages
	// read before the failure.
	Err      *ResourceError
	Warnings []string
	// Included holds non-matching entries the server returned alongside
	// the matches, keyed by "Type/id".
	Included map[string]json.RawMessage
}

// searchIncludes is the _include requested per type so referenced
// resources arrive with their matches.
var searchIncludes = map[fhir.ResourceType]string{
	fhir.ResourceMedicationRequest: "MedicationRequest:medication",
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithPageSize sets the _count requested per page.
func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithMaxPerType caps the resources kept per type.
func WithMaxPerType(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxPerType = n
		}
	}
}

// WithRetries sets how many times a transient page failure is retried and
// the base delay between attempts. The n-th retry waits n*delay unless the
// server sent Retry-After.
func WithRetries(n int, delay time.Duration) Option {
	return func(f *Fetcher) {
		if n < 0 {
			n = 0
		}
		f.retries = n
		if delay >= 0 {
			f.retryDelay = delay
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMetrics records page and error counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// Fetcher runs paginated FHIR searches.
type Fetcher struct {
	httpClient *http.Client
	pageSize   int
	maxPerType int
	retries    int
	retryDelay time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates a Fetcher with sensible defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   DefaultPageSize,
		maxPerType: DefaultMaxPerType,
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int { return f.pageSize }

// DoneFunc receives a type's result as soon as its retrieval ends.
type DoneFunc func(*TypeResult)

// FetchResources retrieves every requested type concurrently. Failures of
// one type are recorded in its TypeResult and never stop the others. The
// returned error is non-nil only for conditions that invalidate the whole
// import: reauthentication required, a missing patient context or ctx
// cancellation. Results gathered so far are returned alongside it.
func (f *Fetcher) FetchResources(ctx context.Context, s Session, types []fhir.ResourceType, progress ProgressFunc) (map[fhir.ResourceType]*TypeResult, error) {
	results := make(map[fhir.ResourceType]*TypeResult, len(types))
	err := f.FetchEach(ctx, s, types, progress, func(res *TypeResult) {
		results[res.Type] = res
	})
	if errors.Is(err, ErrNoPatient) {
		return nil, err
	}
	return results, err
}

// FetchEach is FetchResources with a callback per finished type. Calls to
// progress and done are serialized.
func (f *Fetcher) FetchEach(ctx context.Context, s Session, types []fhir.ResourceType, progress ProgressFunc, done DoneFunc) error {
	if s.Connection().PatientID == "" {
		return ErrNoPatient
	}

	var mu sync.Mutex
	emit := func(ev PageEvent) {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		progress(ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range types {
		g.Go(func() error {
			res, err := f.FetchType(gctx, s, rt, emit)
			if done != nil {
				mu.Lock()
				done(res)
				mu.Unlock()
			}
			return err
		})
	}
	return g.Wait()
}

// FetchType retrieves all pages of one resource type. The error return is
// reserved for fatal conditions; page failures land in TypeResult.Err.
func (f *Fetcher) FetchType(ctx context.Context, s Session, rt fhir.ResourceType, progress ProgressFunc) (*TypeResult, error) {
	conn := s.Connection()
	res := &TypeResult{Type: rt, Total: -1}
	if conn.PatientID == "" {
		return res, ErrNoPatient
	}

	base, err := url.Parse(conn.BaseURL)
	if err != nil {
		res.Err = &ResourceError{Type: rt, Page: 1, Err: fmt.Errorf("invalid base URL: %w", err)}
		return res, nil
	}
	params := url.Values{"patient": {conn.PatientID}}
	if inc, ok := searchIncludes[rt]; ok {
		params.Set("_include", inc)
	}
	next := searchURL(conn.BaseURL, string(rt), params, f.pageSize)
	seen := make(map[string]bool)
	log := f.logger.With().Str("resource_type", string(rt)).Str("connection_id", conn.ID.String()).Logger()

	for page := 1; next != ""; page++ {
		if seen[next] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: server returned a pagination loop", rt))
			log.Warn().Int("page", page).Msg("next link repeats an earlier page")
			break
		}
		seen[next] = true

		bundle, err := f.fetchPage(ctx, s, rt, page, next)
		if err != nil {
			var rerr *ResourceError
			if errors.As(err, &rerr) {
				res.Err = rerr
				f.metrics.Error(string(rt), metrics.OriginFetch)
				log.Warn().Err(err).Int("page", page).Int("fetched", len(res.Resources)).Msg("resource type fetch stopped")
				return res, nil
			}
			return res, err
		}

		kept := f.collect(res, bundle, rt)
		res.Pages = page
		if bundle.Total != nil {
			res.Total = *bundle.Total
		}
		f.metrics.Page(string(rt), kept)
		log.Debug().Int("page", page).Int("fetched", len(res.Resources)).Msg("page fetched")
		if progress != nil {
			progress(PageEvent{Type: rt, Page: page, PageResources: kept, Fetched: len(res.Resources), Total: res.Total})
		}

		if res.Truncated {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: stopped at the limit of %d resources", rt, f.maxPerType))
			log.Info().Int("limit", f.maxPerType).Msg("resource ceiling reached")
			break
		}

		next, err = resolveNext(base, next, bundle.NextURL())
		if err != nil {
			res.Err = &ResourceError{Type: rt, Page: page + 1, Err: err}
			f.metrics.Error(string(rt), metrics.OriginFetch)
			log.Warn().Err(err).Msg("refusing next link")
			return res, nil
		}
	}
	return res, nil
}

// collect appends the bundle's matching resources, honoring the ceiling,
// and returns how many were kept.
func (f *Fetcher) collect(res *TypeResult, bundle *fhir.Bundle, rt fhir.ResourceType) int {
	kept := 0
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		hdr, err := fhir.DecodeHeader(entry.Resource)
		if err != nil {
			// Keep it; the mapper reports the malformed resource.
			hdr.ResourceType = string(rt)
		}
		if hdr.ResourceType == "OperationOutcome" {
			if oo, ok := fhir.ParseOperationOutcome(entry.Resource); ok {
				if msg := oo.Summary(); msg != "" {
					res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", rt, msg))
				}
			}
			continue
		}
		if hdr.ResourceType != string(rt) {
			if hdr.ResourceType != "" && hdr.ID != "" {
				if res.Included == nil {
					res.Included = make(map[string]json.RawMessage)
				}
				res.Included[hdr.ResourceType+"/"+hdr.ID] = entry.Resource
			}
			continue
		}
		if len(res.Resources) >= f.maxPerType {
			res.Truncated = true
			break
		}
		res.Resources = append(res.Resources, entry.Resource)
		kept++
	}
	if len(res.Resources) >= f.maxPerType && bundle.NextURL() != "" {
		res.Truncated = true
	}
	return kept
}

// fetchPage GETs one page with transient retries and a single token
// refresh on 401. The refresh does not count against the retry budget.
func (f *Fetcher) fetchPage(ctx context.Context, s Session, rt fhir.ResourceType, page int, pageURL string) (*fhir.Bundle, error) {
	refreshed := false
	attempt, retried := 0, 0
	for {
		token, err := s.Fresh(ctx)
		if err != nil {
			return nil, err
		}
		status, body, retryAfter, err := f.get(ctx, pageURL, token)
		attempt++

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retried < f.retries {
				retried++
				if werr := f.wait(ctx, retried, 0); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, &ResourceError{Type: rt, Page: page, Attempts: attempt, Err: err}

		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, &ResourceError{Type: rt, Page: page, StatusCode: status, Attempts: attempt, Diagnostics: diagnostics(body)}
			}
			f.logger.Info().Str("resource_type", string(rt)).Int("page", page).Msg("access token rejected, refreshing")
			if _, rerr := s.Refresh(ctx, token); rerr != nil {
				return nil, rerr
			}
			refreshed = true
			continue

		case isTransient(status):
			if retried < f.retries {
				retried++
				if werr := f.wait(ctx, retried, retryAfter); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, &ResourceError{Type: rt, Page: page, StatusCode: status, Attempts: attempt, Diagnostics: diagnostics(body)}

		case status < 200 || status > 299:
			return nil, &ResourceError{Type: rt, Page: page, StatusCode: status, Attempts: attempt, Diagnostics: diagnostics(body)}
		}

		bundle, err := fhir.DecodeBundle(body)
		if err != nil {
			return nil, &ResourceError{Type: rt, Page: page, StatusCode: status, Attempts: attempt, Err: err}
		}
		return bundle, nil
	}
}

// get performs one authenticated GET.
func (f *Fetcher) get(ctx context.Context, rawURL, token string) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Accept", mediaTypeFHIRJSON)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBody))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, body, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

// wait sleeps before retry n, honoring ctx.
func (f *Fetcher) wait(ctx context.Context, n int, retryAfter time.Duration) error {
	d := f.retryDelay * time.Duration(n)
	if retryAfter > 0 {
		d = retryAfter
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func searchURL(baseURL, resourceType string, params url.Values, count int) string {
	params.Set("_count", strconv.Itoa(count))
	return strings.TrimRight(baseURL, "/") + "/" + resourceType + "?" + params.Encode()
}

// ResolvePatient looks up the patient id when the token response carried
// no patient context. Patient-facing servers scope a bare Patient search to
// the signed-in user.
func (f *Fetcher) ResolvePatient(ctx context.Context, s Session) (string, error) {
	conn := s.Connection()
	if conn.PatientID != "" {
		return conn.PatientID, nil
	}
	u := searchURL(conn.BaseURL, fhir.ResourcePatient, url.Values{}, 1)

	bundle, err := f.fetchPage(ctx, s, fhir.ResourceType(fhir.ResourcePatient), 1, u)
	if err != nil {
		return "", err
	}
	for _, entry := range bundle.Entry {
		hdr, err := fhir.DecodeHeader(entry.Resource)
		if err == nil && hdr.ResourceType == fhir.ResourcePatient && hdr.ID != "" {
			return hdr.ID, nil
		}
	}
	return "", ErrNoPatient
}

func isTransient(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date, capped at
// maxRetryAfter.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func diagnostics(body []byte) string {
	if oo, ok := fhir.ParseOperationOutcome(body); ok {
		return oo.Summary()
	}
	return ""
}

// resolveNext resolves a possibly relative next link against the current
// page and refuses links to another scheme or host, which would leak the
// bearer token.
func resolveNext(base *url.URL, current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	cur, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid next link: %w", err)
	}
	abs := cur.ResolveReference(ref)
	if !strings.EqualFold(abs.Host, base.Host) || abs.Scheme != base.Scheme {
		return "", fmt.Errorf("%w: %s", ErrForeignNextLink, abs.Host)
	}
	return abs.String(), nil
}

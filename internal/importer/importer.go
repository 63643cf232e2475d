// Package importer runs one import attempt against an authenticated FHIR
// server: it fetches each resource type, maps what came back, tracks
// progress and freezes the outcome into a Result.
package importer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-import/internal/domain/clinical"
	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/internal/platform/fhirclient"
	"github.com/ehr/fhir-import/internal/platform/i18n"
	"github.com/ehr/fhir-import/internal/platform/metrics"
	"github.com/ehr/fhir-import/internal/platform/provider"
)

// Session is the authenticated connection an import reads through.
// *auth.Session satisfies it.
type Session interface {
	fhirclient.Session
	SetPatientID(id string)
}

// Fetcher retrieves resources. *fhirclient.Fetcher satisfies it.
type Fetcher interface {
	FetchEach(ctx context.Context, s fhirclient.Session, types []fhir.ResourceType, progress fhirclient.ProgressFunc, done fhirclient.DoneFunc) error
	ResolvePatient(ctx context.Context, s fhirclient.Session) (string, error)
}

// Observer receives import events. OnError is called only for fatal
// errors; recoverable ones travel inside Progress and Result.
type Observer interface {
	OnProgress(Progress)
	OnComplete(*Result)
	OnError(error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(Progress)
	Complete func(*Result)
	Error    func(error)
}

func (o ObserverFuncs) OnProgress(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o ObserverFuncs) OnComplete(r *Result) {
	if o.Complete != nil {
		o.Complete(r)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Options configures an Importer.
type Options struct {
	// Locale selects the language of LocalizedMessage and warnings.
	Locale string
	// Registry, when set, filters requested types to what the provider
	// declares.
	Registry *provider.Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Importer composes the fetcher and the mappers.
type Importer struct {
	fetcher Fetcher
	opts    Options
}

// New creates an Importer.
func New(f Fetcher, opts Options) *Importer {
	if opts.Locale == "" {
		opts.Locale = i18n.DefaultLocale
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Importer{fetcher: f, opts: opts}
}

// Import is a running import. Its Tracker can be polled or subscribed to
// while it runs.
type Import struct {
	*Tracker
	result *Result
	err    error
}

// Wait blocks until the import ends. The error is non-nil only for fatal
// failures, in which case the Result carries no records.
func (i *Import) Wait() (*Result, error) {
	<-i.Done()
	return i.result, i.err
}

// Start begins an import in the background.
func (im *Importer) Start(ctx context.Context, s Session, types []fhir.ResourceType, obs Observer) *Import {
	r := im.newRun(s, types, obs)
	go r.execute(ctx)
	return r.imp
}

// RunImport performs an import and returns its Result. An empty types list
// imports every supported type. The error is non-nil only when the import
// could not run at all, such as when the user must sign in again.
func (im *Importer) RunImport(ctx context.Context, s Session, types []fhir.ResourceType, obs Observer) (*Result, error) {
	r := im.newRun(s, types, obs)
	r.execute(ctx)
	return r.imp.Wait()
}

// run is the state of one import attempt. After newRun only execute and the
// fetcher's serialized callbacks touch it.
type run struct {
	im      *Importer
	s       Session
	obs     Observer
	conn    *auth.Connection
	id      uuid.UUID
	types   []fhir.ResourceType
	started time.Time
	tracker *Tracker
	imp     *Import
	log     zerolog.Logger

	warnings []string
	records  map[fhir.ResourceType][]clinical.Record
	errs     map[fhir.ResourceType][]ImportError
	notes    map[fhir.ResourceType][]string
}

func (im *Importer) newRun(s Session, requested []fhir.ResourceType, obs Observer) *run {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	conn := s.Connection()
	r := &run{
		im:      im,
		s:       s,
		obs:     obs,
		conn:    conn,
		id:      uuid.New(),
		started: im.opts.Now(),
		records: make(map[fhir.ResourceType][]clinical.Record),
		errs:    make(map[fhir.ResourceType][]ImportError),
		notes:   make(map[fhir.ResourceType][]string),
	}
	r.log = im.opts.Logger.With().
		Str("import_id", r.id.String()).
		Str("provider", conn.ProviderID).
		Str("connection_id", conn.ID.String()).
		Logger()
	r.types = r.selectTypes(requested)
	r.tracker = newTracker(r.id, r.types, im.opts.Now)
	r.imp = &Import{Tracker: r.tracker}
	return r
}

// selectTypes drops duplicates and types the provider or the granted scope
// cannot serve. Dropped types become warnings.
func (r *run) selectTypes(requested []fhir.ResourceType) []fhir.ResourceType {
	if len(requested) == 0 {
		requested = fhir.AllResourceTypes()
	}
	var desc *provider.Descriptor
	if reg := r.im.opts.Registry; reg != nil {
		if d, err := reg.Lookup(r.conn.ProviderID); err == nil {
			desc = &d
		}
	}

	seen := make(map[fhir.ResourceType]bool, len(requested))
	out := make([]fhir.ResourceType, 0, len(requested))
	for _, rt := range requested {
		if seen[rt] {
			continue
		}
		seen[rt] = true
		supported := rt.Valid() &&
			(desc == nil || desc.Supports(rt)) &&
			auth.ScopeGrantsRead(r.conn.Scope, string(rt))
		if !supported {
			r.warnings = append(r.warnings, i18n.Sprintf(r.im.opts.Locale, i18n.KeyUnsupportedType, rt))
			r.log.Warn().Str("resource_type", string(rt)).Msg("resource type not available, skipping")
			continue
		}
		out = append(out, rt)
	}
	return out
}

func (r *run) execute(ctx context.Context) {
	defer r.im.opts.Metrics.ImportStarted()()
	r.log.Info().Int("types", len(r.types)).Msg("import started")

	if r.conn.PatientID == "" {
		pid, err := r.im.fetcher.ResolvePatient(ctx, r.s)
		if err != nil || pid == "" {
			if err == nil || (!auth.IsFatal(err) && ctx.Err() == nil) {
				err = &auth.ConfigurationError{ProviderID: r.conn.ProviderID, Reason: "no patient context", Err: err}
			}
			r.fatal(ctx, err)
			return
		}
		r.s.SetPatientID(pid)
		r.conn.PatientID = pid
	}

	snap := r.tracker.update(func(p *Progress) {
		p.Stage = StageFetching
		for rt, tp := range p.Types {
			tp.Stage = StageFetching
			p.Types[rt] = tp
		}
	})
	r.obs.OnProgress(snap)

	if err := r.im.fetcher.FetchEach(ctx, r.s, r.types, r.onPage, r.onDone); err != nil {
		r.fatal(ctx, err)
		return
	}
	r.complete()
}

func (r *run) onPage(ev fhirclient.PageEvent) {
	snap := r.tracker.update(func(p *Progress) {
		tp := p.Types[ev.Type]
		tp.Stage = StageFetching
		tp.Pages = ev.Page
		tp.Fetched = ev.Fetched
		tp.Total = ev.Total
		p.Types[ev.Type] = tp
		p.CurrentType = ev.Type
	})
	r.obs.OnProgress(snap)
}

// onDone maps one type as soon as its retrieval has ended.
func (r *run) onDone(res *fhirclient.TypeResult) {
	rt := res.Type
	r.tracker.update(func(p *Progress) {
		tp := p.Types[rt]
		tp.Stage = StageMapping
		p.Types[rt] = tp
		p.CurrentType = rt
	})

	var (
		recs []clinical.Record
		errs []ImportError
	)
	for _, mr := range clinical.MapBatchIncluded(r.conn.BaseURL, rt, res.Resources, res.Included) {
		if mr.OK() {
			recs = append(recs, mr.Record)
			continue
		}
		errs = append(errs, r.mappingError(rt, mr.Err))
		r.im.opts.Metrics.Error(string(rt), metrics.OriginMap)
	}
	if res.Err != nil {
		errs = append(errs, r.fetchError(res.Err))
	}
	r.im.opts.Metrics.Mapped(string(rt), len(recs))

	r.records[rt] = recs
	r.errs[rt] = errs
	r.notes[rt] = res.Warnings

	snap := r.tracker.update(func(p *Progress) {
		tp := p.Types[rt]
		tp.Stage = StageComplete
		if res.Err != nil {
			tp.Stage = StageError
		}
		tp.Fetched = len(res.Resources)
		tp.Mapped = len(recs)
		tp.Failed = len(errs)
		p.Types[rt] = tp
		p.Errors = append(p.Errors, errs...)
	})
	r.obs.OnProgress(snap)

	r.log.Info().
		Str("resource_type", string(rt)).
		Int("fetched", len(res.Resources)).
		Int("mapped", len(recs)).
		Int("errors", len(errs)).
		Msg("resource type imported")
}

func (r *run) mappingError(rt fhir.ResourceType, merr *clinical.MappingError) ImportError {
	return ImportError{
		ResourceType:     rt,
		ResourceID:       merr.ResourceID,
		Message:          merr.Error(),
		LocalizedMessage: i18n.Sprintf(r.im.opts.Locale, i18n.KeyMappingFailed, rt, mappingDetail(merr)),
		Timestamp:        r.im.opts.Now(),
		Recoverable:      true,
		Origin:           OriginMap,
	}
}

func (r *run) fetchError(rerr *fhirclient.ResourceError) ImportError {
	localized := i18n.Sprintf(r.im.opts.Locale, i18n.KeyFetchFailed, rerr.Type, fetchDetail(rerr))
	if rerr.Unauthorized() {
		localized = i18n.Sprintf(r.im.opts.Locale, i18n.KeyFetchUnauthorized, rerr.Type)
	}
	return ImportError{
		ResourceType:     rerr.Type,
		Message:          rerr.Error(),
		LocalizedMessage: localized,
		Timestamp:        r.im.opts.Now(),
		Recoverable:      true,
		Origin:           OriginFetch,
	}
}

// fatal ends the import without records. Observers hear about it before
// Done is closed.
func (r *run) fatal(ctx context.Context, err error) {
	localized := auth.UserMessage(err, r.im.opts.Locale)
	origin := OriginAuth
	if !auth.IsFatal(err) {
		origin = OriginFetch
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			localized = i18n.Sprintf(r.im.opts.Locale, i18n.KeyImportCancelled)
		}
	}
	ie := ImportError{
		Message:          err.Error(),
		LocalizedMessage: localized,
		Timestamp:        r.im.opts.Now(),
		Recoverable:      false,
		Origin:           origin,
	}

	completed := r.im.opts.Now()
	r.imp.result = &Result{
		ID:             r.id,
		ConnectionID:   r.conn.ID,
		ProviderID:     r.conn.ProviderID,
		PatientID:      r.conn.PatientID,
		ImportedCounts: map[fhir.ResourceType]int{},
		Records:        Records{},
		Errors:         []ImportError{ie},
		Warnings:       append([]string{}, r.warnings...),
		StartedAt:      r.started,
		CompletedAt:    completed,
		Duration:       completed.Sub(r.started),
		Success:        false,
		Summary:        localized,
	}
	r.imp.err = err

	snap := r.tracker.update(func(p *Progress) {
		p.Stage = StageError
		p.CurrentType = ""
		p.Errors = append(p.Errors, ie)
	})
	r.log.Error().Err(err).Msg("import aborted")
	r.obs.OnProgress(snap)
	r.obs.OnError(err)
	r.tracker.finish(StageError)
}

// complete freezes the Result in requested type order.
func (r *run) complete() {
	res := &Result{
		ID:             r.id,
		ConnectionID:   r.conn.ID,
		ProviderID:     r.conn.ProviderID,
		PatientID:      r.conn.PatientID,
		ImportedCounts: make(map[fhir.ResourceType]int, len(r.types)),
		Records:        Records{},
		Errors:         []ImportError{},
		Warnings:       append([]string{}, r.warnings...),
		StartedAt:      r.started,
	}
	yielded := false
	for _, rt := range r.types {
		recs := r.records[rt]
		res.ImportedCounts[rt] = len(recs)
		res.Records = append(res.Records, recs...)
		res.Errors = append(res.Errors, r.errs[rt]...)
		res.Warnings = append(res.Warnings, r.notes[rt]...)
		if len(recs) > 0 {
			yielded = true
		}
	}
	res.Success = yielded || len(res.Errors) == 0
	res.CompletedAt = r.im.opts.Now()
	res.Duration = res.CompletedAt.Sub(r.started)
	if len(res.Errors) == 0 {
		res.Summary = i18n.Sprintf(r.im.opts.Locale, i18n.KeyImportComplete, res.Total())
	} else {
		res.Summary = i18n.Sprintf(r.im.opts.Locale, i18n.KeyImportPartial, res.Total(), len(res.Errors))
	}
	r.imp.result = res

	snap := r.tracker.update(func(p *Progress) {
		p.Stage = StageComplete
		p.CurrentType = ""
	})
	r.log.Info().
		Int("records", res.Total()).
		Int("errors", len(res.Errors)).
		Bool("success", res.Success).
		Dur("duration", res.Duration).
		Msg("import finished")
	r.obs.OnProgress(snap)
	r.obs.OnComplete(res)
	r.tracker.finish(StageComplete)
}

func mappingDetail(merr *clinical.MappingError) string {
	if len(merr.Fields) > 0 {
		return strings.Join(merr.Fields, ", ")
	}
	if merr.Err != nil {
		return merr.Err.Error()
	}
	return merr.Error()
}

func fetchDetail(rerr *fhirclient.ResourceError) string {
	if rerr.Diagnostics != "" {
		return rerr.Diagnostics
	}
	if rerr.StatusCode != 0 {
		return "HTTP " + strconv.Itoa(rerr.StatusCode)
	}
	if rerr.Err != nil {
		return rerr.Err.Error()
	}
	return rerr.Error()
}

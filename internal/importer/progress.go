package importer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// Stage is where an import, or one resource type within it, currently is.
type Stage string

const (
	StagePending  Stage = "pending"
	StageFetching Stage = "fetching"
	StageMapping  Stage = "mapping"
	StageComplete Stage = "complete"
	StageError    Stage = "error"
)

// TypeProgress is the per-type slice of a Progress.
// Total is the server-declared count, or -1 while unknown.
type TypeProgress struct {
	Stage   Stage `json:"stage"`
	Pages   int   `json:"pages"`
	Fetched int   `json:"fetched"`
	Total   int   `json:"total"`
	Mapped  int   `json:"mapped"`
	Failed  int   `json:"failed"`
}

// Progress is an immutable snapshot of a running import. Processed counts
// fetched resources; Total is what the servers have declared so far.
// EstimatedCompletion is zero until throughput has been observed.
type Progress struct {
	ImportID            uuid.UUID                          `json:"import_id"`
	Stage               Stage                              `json:"stage"`
	CurrentType         fhir.ResourceType                  `json:"current_type,omitempty"`
	Processed           int                                `json:"processed"`
	Total               int                                `json:"total"`
	Types               map[fhir.ResourceType]TypeProgress `json:"types"`
	Errors              []ImportError                      `json:"errors"`
	StartedAt           time.Time                          `json:"started_at"`
	UpdatedAt           time.Time                          `json:"updated_at"`
	EstimatedCompletion time.Time                          `json:"estimated_completion"`
}

func (p Progress) clone() Progress {
	out := p
	out.Types = make(map[fhir.ResourceType]TypeProgress, len(p.Types))
	for k, v := range p.Types {
		out.Types[k] = v
	}
	out.Errors = append([]ImportError(nil), p.Errors...)
	return out
}

// Tracker owns the progress of one import. Only the import writes to it;
// any number of readers can poll, subscribe or wait.
type Tracker struct {
	mu      sync.Mutex
	cur     Progress
	subs    map[int]chan Progress
	nextSub int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

func newTracker(id uuid.UUID, types []fhir.ResourceType, now func() time.Time) *Tracker {
	start := now()
	p := Progress{
		ImportID:  id,
		Stage:     StagePending,
		Types:     make(map[fhir.ResourceType]TypeProgress, len(types)),
		StartedAt: start,
		UpdatedAt: start,
	}
	for _, rt := range types {
		p.Types[rt] = TypeProgress{Stage: StagePending, Total: -1}
	}
	return &Tracker{
		cur:  p,
		subs: make(map[int]chan Progress),
		done: make(chan struct{}),
		now:  now,
	}
}

// Snapshot returns the latest progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.clone()
}

// Subscribe returns a channel that receives the latest snapshot after each
// update. A slow reader only misses intermediate snapshots, never the most
// recent one. The channel is closed when the import ends or cancel is
// called.
func (t *Tracker) Subscribe() (<-chan Progress, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Progress, 1)
	if t.closed {
		ch <- t.cur.clone()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	ch <- t.cur.clone()

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Done is closed when the import has finished.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// update applies fn and publishes the resulting snapshot.
func (t *Tracker) update(fn func(*Progress)) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.cur.clone()
	}
	fn(&t.cur)
	t.recount()
	snap := t.cur.clone()
	t.publish(snap)
	return snap
}

// finish moves the import to its final stage and releases readers.
func (t *Tracker) finish(stage Stage) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.cur.clone()
	}
	t.cur.Stage = stage
	t.cur.CurrentType = ""
	t.recount()
	t.cur.EstimatedCompletion = t.cur.UpdatedAt
	snap := t.cur.clone()
	t.publish(snap)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.closed = true
	close(t.done)
	return snap
}

func (t *Tracker) recount() {
	p := &t.cur
	p.UpdatedAt = t.now()

	processed, total := 0, 0
	for _, tp := range p.Types {
		processed += tp.Fetched
		switch {
		case tp.Total > tp.Fetched:
			total += tp.Total
		default:
			total += tp.Fetched
		}
	}
	// Counts never move backwards.
	if processed > p.Processed {
		p.Processed = processed
	}
	if total > p.Total {
		p.Total = total
	}
	p.EstimatedCompletion = estimate(p.StartedAt, p.UpdatedAt, p.Processed, p.Total)
}

// estimate projects completion from throughput so far.
func estimate(start, now time.Time, processed, total int) time.Time {
	elapsed := now.Sub(start)
	if processed == 0 || elapsed <= 0 {
		return time.Time{}
	}
	if processed >= total {
		return now
	}
	perItem := elapsed / time.Duration(processed)
	return now.Add(perItem * time.Duration(total-processed))
}

func (t *Tracker) publish(snap Progress) {
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap.clone()
	}
}

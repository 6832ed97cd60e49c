package backfill

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultFlushInterval is the number of completions between progress
// writes.
const defaultFlushInterval = 1000

type pendingRef struct {
	ordinal uint64
	done    bool
}

// A Tracker records the progress of a single source. It maintains a
// watermark below which every reference has completed without failing, and
// the latest listing cursor that is safe to resume from. Failed references
// are recorded in the store's failure ledger and hold the watermark in
// place so they are retried by the next run.
type Tracker struct {
	store  ProgressStore
	source string
	log    *zap.Logger

	flushInterval int

	mu       sync.Mutex
	progress Progress
	pending  []pendingRef // sorted by ordinal
	pages    []Cursor
	failed   bool
	blocked  uint64 // lowest failed ordinal, valid if failed is set
	failures map[string]bool
	changes  int
	dirty    bool
}

// Progress returns the current progress of the source.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Register adds a reference that will later be reported. References must be
// registered in ordinal order.
func (t *Tracker) Register(ordinal uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed && ordinal > t.blocked {
		return
	}
	t.pending = append(t.pending, pendingRef{ordinal: ordinal})
}

// AddPage records the cursor of a listed page.
func (t *Tracker) AddPage(c Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages = append(t.pages, c)
	t.advance()
}

// advance pops completed references from the front of the queue and moves
// the cursor to the latest page that starts at or below the watermark.
func (t *Tracker) advance() {
	for len(t.pending) > 0 && t.pending[0].done {
		if t.failed && t.pending[0].ordinal >= t.blocked {
			break
		}
		if next := t.pending[0].ordinal + 1; next > t.progress.Watermark {
			t.progress.Watermark = next
			t.dirty = true
		}
		t.pending = t.pending[1:]
	}

	for len(t.pages) > 0 && t.pages[0].Start <= t.progress.Watermark {
		if t.pages[0] != t.progress.Cursor {
			t.progress.Cursor = t.pages[0]
			t.dirty = true
		}
		t.pages = t.pages[1:]
	}
}

func (t *Tracker) complete(ref ObjectRef, ok bool) {
	if ref.Source != t.source {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i].ordinal >= ref.Ordinal })
	if i == len(t.pending) || t.pending[i].ordinal != ref.Ordinal {
		return
	}
	if ok {
		t.pending[i].done = true
	} else if !t.failed || ref.Ordinal < t.blocked {
		t.failed, t.blocked = true, ref.Ordinal
		// nothing after a failure can move the watermark
		t.pending = t.pending[:i+1]
	}
	t.advance()

	t.changes++
	if t.changes >= t.flushInterval {
		if err := t.flush(); err != nil {
			t.log.Error("failed to persist progress", zap.Error(err))
		}
	}
}

func (t *Tracker) flush() error {
	t.changes = 0
	if !t.dirty {
		return nil
	} else if err := t.store.SetProgress(t.source, t.progress); err != nil {
		return err
	}
	t.dirty = false
	t.log.Debug("persisted progress", zap.Uint64("watermark", t.progress.Watermark), zap.Uint64("cursor", t.progress.Cursor.Start))
	return nil
}

// Flush persists the current progress.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flush()
}

// ReportOutcome implements Reporter.
func (t *Tracker) ReportOutcome(o Outcome) {
	if o.Status == StatusFail {
		reason := "unknown"
		if o.Err != nil {
			reason = o.Err.Error()
		}
		err := t.store.AddFailure(Failure{
			OriginKey:      o.Ref.OriginKey,
			DestinationKey: o.Ref.DestinationKey,
			Source:         o.Ref.Source,
			Ordinal:        o.Ref.Ordinal,
			Reason:         reason,
			Timestamp:      time.Now(),
		})
		if err != nil {
			t.log.Error("failed to record failure", zap.String("key", o.Ref.OriginKey), zap.Error(err))
		}
		t.mu.Lock()
		t.failures[o.Ref.DestinationKey] = true
		t.mu.Unlock()
	} else {
		t.clearFailure(o.Ref.DestinationKey)
	}
	t.complete(o.Ref, o.Status != StatusFail)
}

// ReportSkip implements Reporter.
func (t *Tracker) ReportSkip(ref ObjectRef, _ Decision) {
	t.clearFailure(ref.DestinationKey)
	t.complete(ref, true)
}

func (t *Tracker) clearFailure(key string) {
	t.mu.Lock()
	failed := t.failures[key]
	delete(t.failures, key)
	t.mu.Unlock()
	if !failed {
		return
	} else if err := t.store.RemoveFailure(key); err != nil {
		t.log.Error("failed to clear failure", zap.String("key", key), zap.Error(err))
	}
}

// NewTracker loads the progress of source from store.
func NewTracker(store ProgressStore, source string, log *zap.Logger) (*Tracker, error) {
	progress, err := store.Progress(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	failures, err := store.Failures()
	if err != nil {
		return nil, fmt.Errorf("failed to load failures: %w", err)
	}

	t := &Tracker{
		store:  store,
		source: source,
		log:    log.Named("tracker").With(zap.String("source", source)),

		flushInterval: defaultFlushInterval,

		progress: progress,
		failures: make(map[string]bool),
	}
	for _, f := range failures {
		t.failures[f.DestinationKey] = true
	}
	return t, nil
}

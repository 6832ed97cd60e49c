package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// A Pipeline moves references from a source through a filter and a bounded
// pool of copy workers.
type Pipeline struct {
	buckets  Buckets
	source   Source
	filter   *Filter
	reporter Reporter
	tracker  *Tracker
	log      *zap.Logger

	filterConcurrency int
	copyConcurrency   int

	mu      sync.Mutex
	summary Summary
}

// Summary returns the results counted so far.
func (p *Pipeline) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

func (p *Pipeline) reportOutcome(o Outcome) {
	p.mu.Lock()
	switch o.Status {
	case StatusSuccess:
		p.summary.Success++
		p.summary.Bytes += o.Bytes
	case StatusExist:
		p.summary.Exist++
	case StatusFail:
		p.summary.Fail++
	}
	p.mu.Unlock()

	switch o.Status {
	case StatusFail:
		p.log.Warn("migration failed", zap.String("key", o.Ref.OriginKey), zap.Error(o.Err))
	default:
		p.log.Debug("migration complete", zap.String("key", o.Ref.OriginKey), zap.Stringer("status", o.Status))
	}
	p.reporter.ReportOutcome(o)
}

func (p *Pipeline) reportSkip(ref ObjectRef, d Decision) {
	p.mu.Lock()
	switch d {
	case DecisionCheckpoint:
		p.summary.Checkpointed++
	case DecisionDenied:
		p.summary.Denied++
	}
	p.mu.Unlock()
	p.reporter.ReportSkip(ref, d)
}

// discover reads the source until it is exhausted or ctx is canceled. Every
// reference is registered with the tracker before it is filtered.
func (p *Pipeline) discover(ctx context.Context, refs chan<- ObjectRef) error {
	defer close(refs)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		ref, err := p.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read source %q: %w", p.source.Name(), err)
		}

		if p.tracker != nil {
			p.tracker.Register(ref.Ordinal)
		}
		select {
		case <-ctx.Done():
			return nil
		case refs <- ref:
		}
	}
}

func (p *Pipeline) filterRefs(ctx context.Context, refs <-chan ObjectRef, copies chan<- ObjectRef) {
	for ref := range refs {
		if ctx.Err() != nil {
			continue
		}

		decision, err := p.filter.Check(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.reportOutcome(Outcome{Ref: ref, Status: StatusFail, Err: err})
			continue
		}

		switch decision {
		case DecisionMigrate:
			select {
			case <-ctx.Done():
			case copies <- ref:
			}
		case DecisionExists:
			p.reportOutcome(Outcome{Ref: ref, Status: StatusExist})
		default:
			p.reportSkip(ref, decision)
		}
	}
}

// Run migrates every reference produced by the source. It returns once the
// source is exhausted and every started migration has completed. Canceling
// ctx stops discovery and filtering; migrations that have already started
// run to completion. An error is returned only if the source fails or ctx
// is canceled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	log := p.log.With(zap.String("source", p.source.Name()))
	log.Info("starting backfill", zap.Int("filterConcurrency", p.filterConcurrency), zap.Int("copyConcurrency", p.copyConcurrency))

	refs := make(chan ObjectRef, p.filterConcurrency)
	copies := make(chan ObjectRef)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.discover(ctx, refs)
	}()

	var filterWg sync.WaitGroup
	for i := 0; i < p.filterConcurrency; i++ {
		filterWg.Add(1)
		go func() {
			defer filterWg.Done()
			p.filterRefs(ctx, refs, copies)
		}()
	}

	// copies are not canceled once started
	copyCtx := context.WithoutCancel(ctx)
	var copyWg sync.WaitGroup
	for i := 0; i < p.copyConcurrency; i++ {
		copyWg.Add(1)
		go func() {
			defer copyWg.Done()
			for ref := range copies {
				p.reportOutcome(CopyAndIndex(copyCtx, p.buckets, ref, p.log))
			}
		}()
	}

	filterWg.Wait()
	close(copies)
	copyWg.Wait()

	err := <-errCh
	if err == nil {
		err = ctx.Err()
	}

	if p.tracker != nil {
		if err := p.tracker.Flush(); err != nil {
			log.Error("failed to persist progress", zap.Error(err))
		}
	}

	summary := p.Summary()
	log.Info("backfill finished",
		zap.Int("success", summary.Success),
		zap.Int("exist", summary.Exist),
		zap.Int("fail", summary.Fail),
		zap.Int("checkpointed", summary.Checkpointed),
		zap.Int("denied", summary.Denied),
		zap.Uint64("bytes", summary.Bytes))
	return summary, err
}

// NewPipeline returns a pipeline migrating the references of source.
func NewPipeline(buckets Buckets, source Source, filter *Filter, log *zap.Logger, opts ...Option) *Pipeline {
	o := options{
		FilterConcurrency: defaultFilterConcurrency,
		CopyConcurrency:   defaultCopyConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var tracker Reporter
	if o.Tracker != nil {
		tracker = o.Tracker
	}
	return &Pipeline{
		buckets:  buckets,
		source:   source,
		filter:   filter,
		reporter: Reporters(o.Reporter, tracker),
		tracker:  o.Tracker,
		log:      log.Named("backfill"),

		filterConcurrency: o.FilterConcurrency,
		copyConcurrency:   o.CopyConcurrency,
	}
}

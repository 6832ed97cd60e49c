package backfill

const (
	defaultFilterConcurrency = 40
	defaultCopyConcurrency   = 10
)

type options struct {
	FilterConcurrency int
	CopyConcurrency   int

	Reporter Reporter
	Tracker  *Tracker
}

// An Option configures a Pipeline.
type Option func(*options)

// WithFilterConcurrency sets the number of references filtered at once.
func WithFilterConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.FilterConcurrency = n
		}
	}
}

// WithCopyConcurrency sets the number of references migrated at once.
func WithCopyConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.CopyConcurrency = n
		}
	}
}

// WithReporter sets the reporter that receives every result.
func WithReporter(r Reporter) Option {
	return func(o *options) {
		o.Reporter = r
	}
}

// WithTracker sets the progress tracker of the pipeline's source. The
// tracker is sent every result and flushed when the pipeline finishes.
func WithTracker(t *Tracker) Option {
	return func(o *options) {
		o.Tracker = t
	}
}

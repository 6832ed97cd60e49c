// Package api serves the state of a running backfill over HTTP.
package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.sia.tech/carpark/backfill"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

// DefaultGracePeriod is the longest a backfill may go without progress
// before it is reported unhealthy.
const DefaultGracePeriod = time.Minute

type (
	// A Pipeline reports the results of a running backfill.
	Pipeline interface {
		Summary() backfill.Summary
	}

	// A Tracker reports the progress of a source.
	Tracker interface {
		Progress() backfill.Progress
	}

	// A FailureStore lists failed references.
	FailureStore interface {
		Failures() ([]backfill.Failure, error)
	}

	// State is the response of [GET] /state.
	State struct {
		Source       string             `json:"source"`
		Started      time.Time          `json:"started"`
		LastProgress time.Time          `json:"lastProgress"`
		Summary      backfill.Summary   `json:"summary"`
		Progress     *backfill.Progress `json:"progress,omitempty"`
	}

	// Health is the response of [GET] /health.
	Health struct {
		Healthy      bool          `json:"healthy"`
		LastProgress time.Time     `json:"lastProgress"`
		GracePeriod  time.Duration `json:"gracePeriod"`
	}
)

// A Heartbeat records when a backfill last made progress. It implements
// backfill.Reporter.
type Heartbeat struct {
	started time.Time

	mu   sync.Mutex
	last time.Time
}

var _ backfill.Reporter = (*Heartbeat)(nil)

func (hb *Heartbeat) beat() {
	hb.mu.Lock()
	hb.last = time.Now()
	hb.mu.Unlock()
}

// Last returns the time of the last result, or the time the heartbeat was
// created if nothing has been reported.
func (hb *Heartbeat) Last() time.Time {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.last
}

// ReportOutcome implements backfill.Reporter.
func (hb *Heartbeat) ReportOutcome(backfill.Outcome) { hb.beat() }

// ReportSkip implements backfill.Reporter.
func (hb *Heartbeat) ReportSkip(backfill.ObjectRef, backfill.Decision) { hb.beat() }

// NewHeartbeat returns a heartbeat starting now.
func NewHeartbeat() *Heartbeat {
	now := time.Now()
	return &Heartbeat{started: now, last: now}
}

type server struct {
	source    string
	heartbeat *Heartbeat
	pipeline  Pipeline
	tracker   Tracker
	failures  FailureStore
	gatherer  prometheus.Gatherer
	grace     time.Duration
	log       *zap.Logger
}

func (s *server) handleGETState(jc jape.Context) {
	state := State{
		Source:       s.source,
		Started:      s.heartbeat.started,
		LastProgress: s.heartbeat.Last(),
		Summary:      s.pipeline.Summary(),
	}
	if s.tracker != nil {
		p := s.tracker.Progress()
		state.Progress = &p
	}
	jc.Encode(state)
}

func (s *server) handleGETHealth(jc jape.Context) {
	last := s.heartbeat.Last()
	health := Health{
		Healthy:      time.Since(last) < s.grace,
		LastProgress: last,
		GracePeriod:  s.grace,
	}
	if !health.Healthy {
		s.log.Warn("no progress within grace period", zap.Time("lastProgress", last), zap.Duration("grace", s.grace))
		jc.ResponseWriter.Header().Set("Content-Type", "application/json")
		jc.ResponseWriter.WriteHeader(http.StatusServiceUnavailable)
	}
	jc.Encode(health)
}

func (s *server) handleGETFailures(jc jape.Context) {
	if s.failures == nil {
		jc.Error(errors.New("failures are not recorded"), http.StatusNotFound)
		return
	}
	failures, err := s.failures.Failures()
	if jc.Check("failed to get failures", err) != nil {
		return
	}
	jc.Encode(failures)
}

func (s *server) handleGETMetrics(jc jape.Context) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(jc.ResponseWriter, jc.Request)
}

// NewHandler returns an http.Handler serving the state of a backfill. tracker
// and failures may be nil. If gatherer is nil the default gatherer is used.
func NewHandler(source string, heartbeat *Heartbeat, pipeline Pipeline, tracker Tracker, failures FailureStore, gatherer prometheus.Gatherer, grace time.Duration, log *zap.Logger) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	s := &server{
		source:    source,
		heartbeat: heartbeat,
		pipeline:  pipeline,
		tracker:   tracker,
		failures:  failures,
		gatherer:  gatherer,
		grace:     grace,
		log:       log,
	}
	return jape.Mux(map[string]jape.Handler{
		"GET /state":    s.handleGETState,
		"GET /health":   s.handleGETHealth,
		"GET /failures": s.handleGETFailures,
		"GET /metrics":  s.handleGETMetrics,
	})
}

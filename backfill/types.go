// Package backfill migrates archives from an origin bucket to a destination
// bucket under content-derived keys, writing a side index and a root mapping
// marker for each archive.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.sia.tech/carpark/store"
)

// Migration outcomes.
const (
	StatusSuccess Status = iota + 1
	StatusExist
	StatusFail
)

// Filter decisions.
const (
	DecisionMigrate Decision = iota + 1
	DecisionCheckpoint
	DecisionDenied
	DecisionExists
)

// ErrNotFound is returned when an origin object no longer exists.
var ErrNotFound = errors.New("not found")

type (
	// Status is the terminal state of a migrated reference.
	Status uint8

	// A Decision is the result of filtering a reference.
	Decision uint8

	// An ObjectRef is a single origin object selected for migration. Source
	// and Ordinal identify the reference's position within its input so
	// progress can be checkpointed.
	ObjectRef struct {
		OriginKey      string `json:"in"`
		DestinationKey string `json:"out"`
		Size           uint64 `json:"size"`

		Source  string `json:"-"`
		Ordinal uint64 `json:"-"`
	}

	// An Outcome is the result of migrating a single reference.
	Outcome struct {
		Ref      ObjectRef
		Status   Status
		Err      error
		Bytes    uint64
		Duration time.Duration
	}

	// Buckets are the stores a migration reads from and writes to.
	Buckets struct {
		Origin      store.Bucket
		Destination store.Bucket
		SideIndex   store.Bucket
		RootIndex   store.Bucket
	}

	// A Source produces references in a deterministic order. Next returns
	// io.EOF once the source is exhausted.
	Source interface {
		Name() string
		Next(ctx context.Context) (ObjectRef, error)
	}

	// A Reporter receives the result of every reference. Implementations
	// must be safe for concurrent use.
	Reporter interface {
		ReportOutcome(Outcome)
		ReportSkip(ObjectRef, Decision)
	}

	// A Cursor is a listing position. Start is the ordinal of the first
	// object returned when listing from Token.
	Cursor struct {
		Token string `json:"token"`
		Start uint64 `json:"start"`
	}

	// Progress is the persisted state of a source. Every reference with an
	// ordinal below Watermark has completed successfully.
	Progress struct {
		Watermark uint64 `json:"watermark"`
		Cursor    Cursor `json:"cursor"`
	}

	// A Failure records a reference that failed to migrate.
	Failure struct {
		OriginKey      string    `json:"originKey"`
		DestinationKey string    `json:"destinationKey"`
		Source         string    `json:"source"`
		Ordinal        uint64    `json:"ordinal"`
		Reason         string    `json:"reason"`
		Timestamp      time.Time `json:"timestamp"`
	}

	// A ProgressStore persists progress and failures across runs.
	ProgressStore interface {
		Progress(source string) (Progress, error)
		SetProgress(source string, p Progress) error

		AddFailure(Failure) error
		RemoveFailure(destinationKey string) error
		Failures() ([]Failure, error)
	}

	// A Summary counts the results of a run.
	Summary struct {
		Success      int    `json:"success"`
		Exist        int    `json:"exist"`
		Fail         int    `json:"fail"`
		Checkpointed int    `json:"checkpointed"`
		Denied       int    `json:"denied"`
		Bytes        uint64 `json:"bytes"`
	}

	multiReporter []Reporter
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusExist:
		return "EXIST"
	case StatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (d Decision) String() string {
	switch d {
	case DecisionMigrate:
		return "migrate"
	case DecisionCheckpoint:
		return "checkpoint"
	case DecisionDenied:
		return "denylist"
	case DecisionExists:
		return "exists"
	default:
		return fmt.Sprintf("Decision(%d)", uint8(d))
	}
}

func (mr multiReporter) ReportOutcome(o Outcome) {
	for _, r := range mr {
		r.ReportOutcome(o)
	}
}

func (mr multiReporter) ReportSkip(ref ObjectRef, d Decision) {
	for _, r := range mr {
		r.ReportSkip(ref, d)
	}
}

// Reporters combines multiple reporters into one. Nil reporters are ignored.
func Reporters(reporters ...Reporter) Reporter {
	var mr multiReporter
	for _, r := range reporters {
		if r != nil {
			mr = append(mr, r)
		}
	}
	return mr
}

package backfill

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpark/carkey"
	"go.sia.tech/carpark/store"
	"go.uber.org/zap"
)

// A Filter decides whether a reference needs to be migrated. Checks are
// ordered by cost: the checkpoint and denylist checks perform no I/O and run
// before the destination existence check.
type Filter struct {
	destination store.Bucket
	checkpoints map[string]uint64
	denylist    Denylist
	log         *zap.Logger
}

func (f *Filter) denied(ref ObjectRef) bool {
	if len(f.denylist) == 0 {
		return false
	}
	if root, err := carkey.RootCID(ref.OriginKey); err == nil && f.denylist.Contains(root) {
		return true
	}
	archive, err := cid.Decode(carkey.FirstSegment(ref.DestinationKey))
	return err == nil && f.denylist.Contains(archive)
}

// Check returns the decision for ref. An error is only returned if the
// destination could not be queried.
func (f *Filter) Check(ctx context.Context, ref ObjectRef) (Decision, error) {
	if checkpoint, ok := f.checkpoints[ref.Source]; ok && ref.Ordinal < checkpoint {
		return DecisionCheckpoint, nil
	} else if f.denied(ref) {
		f.log.Debug("denylisted", zap.String("key", ref.OriginKey))
		return DecisionDenied, nil
	}

	exists, err := f.destination.Has(ctx, ref.DestinationKey)
	if err != nil {
		return 0, fmt.Errorf("failed to check destination: %w", err)
	} else if exists {
		return DecisionExists, nil
	}
	return DecisionMigrate, nil
}

// NewFilter returns a filter. checkpoints maps a source name to the number
// of leading references of that source to skip. Neither checkpoints nor
// denylist may be modified after the filter is created.
func NewFilter(destination store.Bucket, checkpoints map[string]uint64, denylist Denylist, log *zap.Logger) *Filter {
	return &Filter{
		destination: destination,
		checkpoints: checkpoints,
		denylist:    denylist,
		log:         log,
	}
}

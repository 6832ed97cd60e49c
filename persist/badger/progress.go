package badger

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.sia.tech/carpark/backfill"
	"go.uber.org/zap"
)

var _ backfill.ProgressStore = (*Store)(nil)

var (
	progressPrefix = []byte("progress:")
	failurePrefix  = []byte("fail:")
)

func prefixed(prefix []byte, key string) []byte {
	return append(append([]byte(nil), prefix...), key...)
}

// Progress returns the persisted progress of a source. A source with no
// progress returns the zero value.
func (s *Store) Progress(source string) (p backfill.Progress, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(progressPrefix, source))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	return
}

// SetProgress persists the progress of a source.
func (s *Store) SetProgress(source string, p backfill.Progress) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixed(progressPrefix, source), buf)
	})
}

// AddFailure records a failed reference, replacing any earlier failure for
// the same destination key.
func (s *Store) AddFailure(f backfill.Failure) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixed(failurePrefix, f.DestinationKey), buf)
	})
}

// RemoveFailure removes the failure recorded for a destination key, if any.
func (s *Store) RemoveFailure(destinationKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(prefixed(failurePrefix, destinationKey))
	})
}

// Failures returns all recorded failures ordered by destination key.
func (s *Store) Failures() (failures []backfill.Failure, err error) {
	log := s.log.Named("failures")
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = failurePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var f backfill.Failure
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			})
			if err != nil {
				log.Error("failed to decode failure", zap.ByteString("key", it.Item().Key()), zap.Error(err))
				continue
			}
			failures = append(failures, f)
		}
		return nil
	})
	return
}

package badger

import (
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// A Store is a badger-backed store for migration progress.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// logger routes badger's internal logging through zap.
type logger struct {
	s *zap.SugaredLogger
}

func (l logger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l logger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l logger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l logger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func open(opts badger.Options, log *zap.Logger) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(logger{log.Sugar()}))
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// OpenDatabase opens a badger database at the given path.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions(path), log)
}

// OpenMemory opens a badger database that is not persisted to disk.
func OpenMemory(log *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}

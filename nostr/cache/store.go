package cache

import (
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

// Key prefixes of the persistent store
const (
	prefixFilter  = "flt:"
	prefixEvent   = "evt:"
	prefixProfile = "prf:"
)

// noLogger silences badger's internal logging
type noLogger struct{}

func (*noLogger) Errorf(string, ...interface{})   {}
func (*noLogger) Warningf(string, ...interface{}) {}
func (*noLogger) Infof(string, ...interface{})    {}
func (*noLogger) Debugf(string, ...interface{})   {}

// store is the persistent layer of the event cache
type store struct {
	db *badger.DB
}

// openStore opens (or creates) the badger database at dir
func openStore(dir string) (*store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = &noLogger{}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event cache database")
	}
	return &store{db: db}, nil
}

// Close closes the database and frees resources
func (s *store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the value at key or nil when the key is unknown
func (s *store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, err
}

// Set writes key=value with the given time-to-live
func (s *store) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Del removes a key
func (s *store) Del(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// IteratePrefix calls fn for every key/value under the prefix. The
// iteration stops when fn returns false.
func (s *store) IteratePrefix(prefix string, fn func(key string, value []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()), val) {
				return nil
			}
		}
		return nil
	})
}

// classifyWriteErr sorts persistent-store failures into the three cases
// the cache cares about: quota exhaustion and transaction races are
// downgraded to no-ops, anything else is a genuine bug that surfaces.
type writeFailure int

const (
	writeOK writeFailure = iota
	writeQuotaExceeded
	writeTransactionRace
	writeBug
)

func classifyWriteErr(err error) writeFailure {
	switch {
	case err == nil:
		return writeOK
	case err == badger.ErrConflict:
		return writeTransactionRace
	case err == badger.ErrTxnTooBig,
		strings.Contains(err.Error(), "no space"),
		strings.Contains(err.Error(), "LSM"):
		return writeQuotaExceeded
	}
	return writeBug
}

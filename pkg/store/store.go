// Package store implements the persistent store (C4): an ordered
// byte-keyed engine (go.etcd.io/bbolt) wrapped with the at-rest envelope
// layer (C9) and a read-through cache for the hot get path.
package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/edward-shen/omegaupload/pkg/kms"
	"github.com/edward-shen/omegaupload/pkg/record"
)

var bucketPastes = []byte("pastes")

// Store wraps a bbolt database with the operations required by §4.4:
// put_if_absent, get, take, delete, scan, flush. Every operation is one
// bbolt transaction, giving put_if_absent/get/take atomicity for free.
type Store struct {
	db      *bbolt.DB
	envelop *envelope
	cache   *readCache
}

// Open creates or opens the bbolt database at path, ensuring its bucket
// exists. kekCache is nil when KMS_PROVIDER=none.
func Open(path string, kekCache *kms.KEKCache, adapter *kms.Adapter, cacheSize int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPastes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create pastes bucket")
	}

	cache, err := newReadCache(cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		envelop: newEnvelope(adapter, kekCache),
		cache:   cache,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutIfAbsent conditionally inserts recordBytes (the C2-encoded record,
// pre-C9). It returns collision=true without modifying the store if id was
// already present.
func (s *Store) PutIfAbsent(id string, recordBytes []byte) (collision bool, err error) {
	sealed, err := s.envelop.seal(recordBytes)
	if err != nil {
		return false, errors.Wrap(err, "seal record")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPastes)
		if b.Get([]byte(id)) != nil {
			collision = true
			return nil
		}
		return b.Put([]byte(id), sealed)
	})
	return collision, err
}

// Get returns the C2-encoded record bytes for id, or nil if absent. It does
// not delete burn records; callers use Take for those. Non-burn hits are
// served from the read-through cache when present.
func (s *Store) Get(id string) ([]byte, error) {
	if cached, ok := s.cache.get(id); ok {
		return cached, nil
	}
	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPastes).Get([]byte(id))
		if v == nil {
			return nil
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "get")
	}
	if sealed == nil {
		return nil, nil
	}
	opened, err := s.envelop.open(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "open record")
	}
	hdr, err := record.DecodeHeader(opened)
	if err != nil {
		return nil, errors.Wrap(domain.ErrCorruptRecord, err.Error())
	}
	if !hdr.Expiration.IsBurn() {
		s.cache.set(id, opened)
	}
	return opened, nil
}

// Take atomically reads and deletes id's record. It is the only path used
// for burn variants and is what gives burn-after-reading its at-most-once
// guarantee: bbolt serializes writers, so two concurrent Take calls on the
// same id can never both observe a non-nil value.
func (s *Store) Take(id string) ([]byte, error) {
	var sealed []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPastes)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		sealed = append([]byte(nil), v...)
		return b.Delete([]byte(id))
	})
	if err != nil {
		return nil, errors.Wrap(err, "take")
	}
	s.cache.invalidate(id)
	if sealed == nil {
		return nil, nil
	}
	opened, err := s.envelop.open(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "open record")
	}
	return opened, nil
}

// Delete unconditionally removes id, if present. Idempotent.
func (s *Store) Delete(id string) error {
	s.cache.invalidate(id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPastes).Delete([]byte(id))
	})
}

// ScanFunc is invoked once per stored record during Scan. id and
// recordBytes are only valid for the duration of the call; copy either if
// retained past it. Returning a non-nil error aborts the scan.
type ScanFunc func(ctx context.Context, id string, recordBytes []byte) error

// Scan walks every stored record, opening each through C9, for use by the
// reaper. It is not required to be consistent under concurrent writes — a
// bbolt read-only transaction snapshots at the start of the scan, so
// records inserted mid-scan may or may not be observed; the reaper
// tolerates this (§4.4).
func (s *Store) Scan(ctx context.Context, fn ScanFunc) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPastes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			opened, err := s.envelop.open(v)
			if err != nil {
				return errors.Wrapf(err, "open record %q during scan", k)
			}
			if err := fn(ctx, string(k), opened); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush ensures durability of everything written so far.
func (s *Store) Flush() error {
	return s.db.Sync()
}

// Stats reports size and cache counters for the SIGUSR1 diagnostic handler.
type Stats struct {
	KeyCount  int
	CacheHits uint64
	CacheMiss uint64
}

func (s *Store) Stats() Stats {
	var keyCount int
	_ = s.db.View(func(tx *bbolt.Tx) error {
		keyCount = tx.Bucket(bucketPastes).Stats().KeyN
		return nil
	})
	hits, misses := s.cache.counters()
	return Stats{KeyCount: keyCount, CacheHits: hits, CacheMiss: misses}
}

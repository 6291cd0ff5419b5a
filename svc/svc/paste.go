// Package svc wires the identifier allocator (C3) and the store (C4) into
// the operations the HTTP surface (C6) calls: create, get, delete.
package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/edward-shen/omegaupload/cfg"
	"github.com/edward-shen/omegaupload/metrics"
	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/edward-shen/omegaupload/pkg/id"
	"github.com/edward-shen/omegaupload/pkg/record"
	"github.com/edward-shen/omegaupload/pkg/store"
	"github.com/edward-shen/omegaupload/svc/db"
	"github.com/edward-shen/omegaupload/svc/util"
)

// Service is the paste orchestration layer. It holds no authoritative
// state of its own: store.Store owns persistence, rdb (optional) is a
// cross-instance second cache tier consulted after a local store miss.
type Service struct {
	store *store.Store
	rdb   *db.Redis // nil when REDIS_ADDR is unset
	cfg   *cfg.Cfg

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
}

// New builds a Service. rdb may be nil; the cross-instance cache tier is
// then simply absent and every read goes to the local store.
func New(s *store.Store, rdb *db.Redis, c *cfg.Cfg) *Service {
	if s == nil || c == nil {
		panic("svc: nil store or cfg")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	return &Service{store: s, rdb: rdb, cfg: c, shutdownCtx: shutdownCtx, shutdownFn: shutdownFn}
}

// Shutdown blocks until all in-flight operations finish. Callers do this
// before closing the underlying store.
func (s *Service) Shutdown() {
	s.shutdown.Store(true)
	s.shutdownFn()
	s.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Create allocates an id and persists ciphertext under the given policy.
// expiration must already be resolved to a concrete deadline (or
// BurnAfterReading). Create is where the deadline is checked: one that is
// not in the future yields ErrMalformedRequest, and one further out than
// MAX_EXPLICIT_EXPIRATION yields ErrExpirationTooFar; neither is clamped.
func (s *Service) Create(ctx context.Context, ciphertext []byte, expiration domain.Expiration, requiresPassword bool) (string, error) {
	if s.shutdown.Load() {
		return "", errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	if int64(len(ciphertext)) > s.cfg.MaxPasteSize {
		return "", domain.ErrPasteTooLarge
	}
	if expiration.HasDeadline() && !expiration.Deadline.After(time.Now()) {
		return "", domain.ErrMalformedRequest
	}
	if expiration.HasDeadline() && expiration.Deadline.After(time.Now().Add(s.cfg.MaxExplicitExpiration)) {
		return "", domain.ErrExpirationTooFar
	}

	recordBytes := record.Encode(&domain.Paste{
		Ciphertext:       ciphertext,
		Expiration:       expiration,
		RequiresPassword: requiresPassword,
	})

	pasteID, err := id.Allocate(s.store, recordBytes)
	if err != nil {
		return "", err
	}

	if s.rdb != nil && !expiration.IsBurn() {
		if err := s.rdb.CacheRecord(ctx, pasteID, recordBytes, time.Until(expiration.Deadline)); err != nil {
			util.Warn().Err(err).Str("id", pasteID).Msg("failed to prime redis record cache")
		}
	}

	metrics.PasteCreated.Inc()
	util.Debug().Str("id", pasteID).Str("expiration", expiration.String()).Msg("paste created")
	return pasteID, nil
}

// Get fetches a paste by id. Burn variants are destroyed atomically on a
// successful read via store.Take — the only path that can ever consume
// one. Create and Get only ever cache non-burn records in Redis, so a
// Redis lookup after a local miss never returns a burn record. Time-bound records found expired at read time
// (the reaper may not have swept yet) are deleted and reported as absent,
// same as if they had never existed.
func (s *Service) Get(ctx context.Context, pasteID string) (*domain.Paste, error) {
	s.opWg.Add(1)
	defer s.opWg.Done()

	raw, fromRedis, err := s.fetchRaw(ctx, pasteID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, domain.ErrNotFound
	}

	hdr, err := record.DecodeHeader(raw)
	if err != nil {
		s.evict(ctx, pasteID, fromRedis)
		metrics.PasteDeleted.WithLabelValues("corrupt").Inc()
		return nil, errors.Wrap(domain.ErrCorruptRecord, err.Error())
	}

	now := time.Now()
	if hdr.Expiration.HasDeadline() && hdr.Expiration.Expired(now) {
		s.evict(ctx, pasteID, fromRedis)
		metrics.PasteDeleted.WithLabelValues("expired").Inc()
		return nil, domain.ErrNotFound
	}

	mode := "get"
	if hdr.Expiration.IsBurn() {
		mode = "take"
		// The peek above never mutated anything; Take is the sole
		// linearizable consumption path and is re-run here regardless of
		// where the peek's bytes came from.
		raw, err = s.store.Take(pasteID)
		if err != nil {
			return nil, errors.Wrap(err, "take record")
		}
		if raw == nil {
			return nil, domain.ErrNotFound
		}
		if s.rdb != nil {
			_ = s.rdb.DeleteRecord(ctx, pasteID)
		}
	}

	paste, err := record.Decode(raw)
	if err != nil {
		if mode == "get" {
			s.evict(ctx, pasteID, fromRedis)
		}
		metrics.PasteDeleted.WithLabelValues("corrupt").Inc()
		return nil, errors.Wrap(domain.ErrCorruptRecord, err.Error())
	}

	if mode == "get" && s.rdb != nil && hdr.Expiration.HasDeadline() {
		if err := s.rdb.CacheRecord(ctx, pasteID, raw, time.Until(hdr.Expiration.Deadline)); err != nil {
			util.Warn().Err(err).Str("id", pasteID).Msg("failed to refresh redis record cache")
		}
	}

	metrics.PasteRetrieved.WithLabelValues(mode).Inc()
	if mode == "take" {
		metrics.PasteDeleted.WithLabelValues("burned").Inc()
	}
	util.Debug().Str("id", pasteID).Str("mode", mode).Msg("paste retrieved")
	return paste, nil
}

// fetchRaw reads the C2-encoded record without mutating anything, trying
// the local store first and falling back to the Redis tier on a local
// miss. It reports whether the bytes came from Redis, so callers know
// where to evict on corruption or expiry.
func (s *Service) fetchRaw(ctx context.Context, pasteID string) (raw []byte, fromRedis bool, err error) {
	raw, err = s.store.Get(pasteID)
	if err != nil {
		return nil, false, errors.Wrap(err, "fetch record")
	}
	if raw != nil {
		return raw, false, nil
	}
	if s.rdb == nil {
		return nil, false, nil
	}
	cached, rerr := s.rdb.GetRecord(ctx, pasteID)
	if rerr != nil {
		util.Warn().Err(rerr).Str("id", pasteID).Msg("redis record cache unavailable")
		return nil, false, nil
	}
	return cached, cached != nil, nil
}

func (s *Service) evict(ctx context.Context, pasteID string, fromRedis bool) {
	if !fromRedis {
		if err := s.store.Delete(pasteID); err != nil {
			util.Warn().Err(err).Str("id", pasteID).Msg("failed to evict record from store")
		}
	}
	if s.rdb != nil {
		if err := s.rdb.DeleteRecord(ctx, pasteID); err != nil {
			util.Warn().Err(err).Str("id", pasteID).Msg("failed to evict record from redis")
		}
	}
}

// Delete unconditionally removes a paste. Idempotent: deleting an absent
// id is not an error, matching the DELETE wire semantics (§6).
func (s *Service) Delete(ctx context.Context, pasteID string) error {
	s.opWg.Add(1)
	defer s.opWg.Done()

	if err := s.store.Delete(pasteID); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if s.rdb != nil {
		if err := s.rdb.DeleteRecord(ctx, pasteID); err != nil {
			util.Warn().Err(err).Str("id", pasteID).Msg("failed to delete from redis cache")
		}
	}
	metrics.PasteDeleted.WithLabelValues("requested").Inc()
	util.Debug().Str("id", pasteID).Msg("paste deleted")
	return nil
}

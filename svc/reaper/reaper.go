// Package reaper implements the expiration reaper (C5): a background task
// that periodically scans the store and evicts time-expired records.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edward-shen/omegaupload/pkg/record"
	"github.com/edward-shen/omegaupload/pkg/store"
	"github.com/edward-shen/omegaupload/svc/util"
)

// Deleter is the subset of the store the reaper needs.
type Deleter interface {
	Scan(ctx context.Context, fn store.ScanFunc) error
	Delete(id string) error
}

// OnSweep is invoked after each tick (including the startup sweep) with the
// counts of deleted-expired and deleted-corrupt records, for metrics.
type OnSweep func(deletedExpired, deletedCorrupt int)

type Reaper struct {
	store    Deleter
	interval time.Duration
	onSweep  OnSweep

	running   atomic.Bool
	lastRunAt atomic.Value // time.Time
	wg        sync.WaitGroup
}

func New(store Deleter, interval time.Duration, onSweep OnSweep) *Reaper {
	if onSweep == nil {
		onSweep = func(int, int) {}
	}
	return &Reaper{store: store, interval: interval, onSweep: onSweep}
}

// Sweep runs one pass synchronously: decode each record's policy header
// only, delete it if time-expired or corrupt, and leave everything else
// untouched. Used both by the startup sweep (§2.3) and each tick.
func (r *Reaper) Sweep(ctx context.Context) (deletedExpired, deletedCorrupt int) {
	now := time.Now()
	var toDelete []string
	var corrupt []string

	err := r.store.Scan(ctx, func(ctx context.Context, id string, recordBytes []byte) error {
		hdr, err := record.DecodeHeader(recordBytes)
		if err != nil {
			corrupt = append(corrupt, id)
			return nil
		}
		if hdr.Expiration.HasDeadline() && hdr.Expiration.Expired(now) {
			toDelete = append(toDelete, id)
		}
		return nil
	})
	if err != nil {
		util.Error().Err(err).Msg("reaper scan failed")
	}

	for _, id := range toDelete {
		if err := r.store.Delete(id); err != nil {
			util.Error().Err(err).Str("id", id).Msg("reaper failed to delete expired record")
			continue
		}
		deletedExpired++
	}
	for _, id := range corrupt {
		util.Warn().Str("id", id).Msg("reaper deleting corrupt record")
		if err := r.store.Delete(id); err != nil {
			util.Error().Err(err).Str("id", id).Msg("reaper failed to delete corrupt record")
			continue
		}
		deletedCorrupt++
	}

	r.lastRunAt.Store(now)
	r.onSweep(deletedExpired, deletedCorrupt)
	return deletedExpired, deletedCorrupt
}

// Start runs Sweep once synchronously (the startup sweep, §2.3) and then
// launches the ticking background loop. It returns once the startup sweep
// has completed; the ticking loop continues until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.Sweep(ctx)

	r.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop blocks until the background loop has exited. Callers cancel the
// context passed to Start and then call Stop to join.
func (r *Reaper) Stop() {
	r.wg.Wait()
}

// LastRun reports the timestamp of the most recently completed sweep, for
// the SIGUSR1 diagnostic handler. The zero Time means no sweep has run yet.
func (r *Reaper) LastRun() time.Time {
	v := r.lastRunAt.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

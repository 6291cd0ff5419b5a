package store

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// readCache fronts Store.Get with a bounded LRU of (already C9-unwrapped)
// C2-encoded record bytes, keyed by paste id. Burn records are never
// inserted — Get only calls set for non-burn hits — so a cache entry can
// never substitute for the at-most-once delivery Take provides.
type readCache struct {
	c       *lru.Cache[string, []byte]
	mu      sync.Mutex
	hits    atomic.Uint64
	misses  atomic.Uint64
	enabled bool
}

func newReadCache(size int) (*readCache, error) {
	if size <= 0 {
		return &readCache{enabled: false}, nil
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &readCache{c: c, enabled: true}, nil
}

func (r *readCache) get(id string) ([]byte, bool) {
	if !r.enabled {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.c.Get(id)
	if ok {
		r.hits.Add(1)
		return v, true
	}
	r.misses.Add(1)
	return nil, false
}

func (r *readCache) set(id string, recordBytes []byte) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Add(id, recordBytes)
}

func (r *readCache) invalidate(id string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Remove(id)
}

func (r *readCache) counters() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

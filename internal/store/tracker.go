package store

import (
	"sort"
	"sync"
	"time"

	"github.com/WanderningMaster/blockvault/internal/block"
)

// BlockInfo is the per-block bookkeeping handed to the cache tracker:
// the internal id, the cid, the stored size and the last access time in
// unix nanoseconds.
type BlockInfo struct {
	ID    uint64
	CID   block.CID
	Size  int64
	Atime int64
}

// CacheTracker decides the order in which unreachable blocks are
// deleted. The store notifies it about accesses and deletions; the
// garbage collector asks it to filter and order deletion candidates.
type CacheTracker interface {
	// Accessed is called after a block was read or written.
	Accessed(blocks []BlockInfo)
	// Deleted is called after blocks were removed, in deletion order.
	Deleted(blocks []BlockInfo)
	// Retain drops tracker state for ids no longer present in the store.
	Retain(live []uint64)
	// Filter removes candidates that must not be considered in this
	// pass, such as blocks touched at or after passStart.
	Filter(candidates []BlockInfo, passStart time.Time) []BlockInfo
	// Sort orders candidates for deletion, least valuable first.
	Sort(candidates []BlockInfo)
}

// SizeTargets are the cache budgets. The garbage collector removes
// unreachable blocks only while a budget is exceeded, so a nonzero
// budget retains recently used orphans up to the given limits.
type SizeTargets struct {
	MaxBlocks uint64
	MaxBytes  uint64
}

func (t SizeTargets) Exceeded(s Stats) bool {
	return s.Count > t.MaxBlocks || s.Size > t.MaxBytes
}

// LRUTracker orders deletion candidates by last access time, oldest
// first, with the internal id as a tie breaker.
type LRUTracker struct {
	mu    sync.Mutex
	atime map[uint64]int64
}

func NewLRUTracker() *LRUTracker {
	return &LRUTracker{atime: make(map[uint64]int64)}
}

func (t *LRUTracker) Accessed(blocks []BlockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range blocks {
		if b.Atime > t.atime[b.ID] {
			t.atime[b.ID] = b.Atime
		}
	}
}

func (t *LRUTracker) Deleted(blocks []BlockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range blocks {
		delete(t.atime, b.ID)
	}
}

func (t *LRUTracker) Retain(live []uint64) {
	keep := make(map[uint64]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.atime {
		if _, ok := keep[id]; !ok {
			delete(t.atime, id)
		}
	}
}

func (t *LRUTracker) Filter(candidates []BlockInfo, passStart time.Time) []BlockInfo {
	cutoff := passStart.UnixNano()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := candidates[:0]
	for _, b := range candidates {
		if t.lastAccess(b) < cutoff {
			out = append(out, b)
		}
	}
	return out
}

func (t *LRUTracker) Sort(candidates []BlockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := t.lastAccess(candidates[i]), t.lastAccess(candidates[j])
		if ai != aj {
			return ai < aj
		}
		return candidates[i].ID < candidates[j].ID
	})
}

// lastAccess prefers the in-memory view over the persisted atime, which
// may lag behind it. Callers hold t.mu.
func (t *LRUTracker) lastAccess(b BlockInfo) int64 {
	if v, ok := t.atime[b.ID]; ok {
		return v
	}
	return b.Atime
}

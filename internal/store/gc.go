package store

import (
	"context"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

// IncrementalGC runs one bounded collection pass: compute the root set,
// walk out the reachable closure, and delete unreachable blocks in the
// tracker's eviction order until the size targets are satisfied, the
// pass has deleted minBlocks, or targetDuration has elapsed. The
// returned done is false when eligible candidates remain, so callers
// can resume with another pass.
//
// A pass never commits partial work: either its whole batch of
// deletions applies or none of it does. Blocks are deleted logically
// here (meta and refs rows); their data rows are reclaimed by
// IncrementalDeleteOrphaned.
func (s *Store) IncrementalGC(ctx context.Context, minBlocks int, targetDuration time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}
	passStart := time.Now()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	stats, err := s.readStats(s.db)
	if err != nil {
		return false, err
	}
	if !s.targets.Exceeded(stats) {
		return true, nil
	}

	roots, err := rootSet(s.db)
	if err != nil {
		return false, err
	}
	reachable, err := reachableFrom(ctx, s.db, roots)
	if err != nil {
		return false, err
	}

	dirty := s.drainDirty()
	var live []uint64
	var cands []BlockInfo
	it := s.db.NewIterator(lutil.BytesPrefix([]byte{metaPrefix}), nil)
	for it.Next() {
		c, err := cidFromKey(it.Key())
		if err != nil {
			continue
		}
		m, err := decodeMeta(it.Value())
		if err != nil {
			it.Release()
			return false, err
		}
		if _, ok := reachable[c]; ok {
			live = append(live, m.ID)
			continue
		}
		at := m.Atime
		if d, ok := dirty[c]; ok && d > at {
			at = d
		}
		cands = append(cands, BlockInfo{ID: m.ID, CID: c, Size: m.Size, Atime: at})
	}
	if err := it.Error(); err != nil {
		it.Release()
		return false, err
	}
	it.Release()

	s.tracker.Retain(live)
	cands = s.tracker.Filter(cands, passStart)
	s.tracker.Sort(cands)

	batch := new(leveldb.Batch)
	if err := s.applyDirty(s.db, batch, dirty); err != nil {
		return false, err
	}

	done := true
	var deleted []BlockInfo
	for _, info := range cands {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !s.targets.Exceeded(stats) {
			break
		}
		// Yield once over budget, but always make progress when
		// candidates exist so a resumed sweep terminates.
		if len(deleted) > 0 && (len(deleted) >= minBlocks || time.Since(passStart) >= targetDuration) {
			done = false
			break
		}
		batch.Delete(metaKey(info.CID))
		batch.Delete(refsKey(info.CID))
		stats.Count--
		stats.Size -= uint64(info.Size)
		deleted = append(deleted, info)
	}
	if len(deleted) > 0 {
		raw, err := encodeStats(statsRow{Count: stats.Count, Size: stats.Size})
		if err != nil {
			return false, err
		}
		batch.Put(statsKey, raw)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return false, err
		}
	}
	if len(deleted) > 0 {
		s.tracker.Deleted(deleted)
		var freed uint64
		for _, info := range deleted {
			freed += uint64(info.Size)
		}
		s.log.Debug("gc pass",
			"deleted", len(deleted),
			"freed_bytes", freed,
			"candidates", len(cands),
			"elapsed", time.Since(passStart),
			"done", done,
		)
	}
	return done, nil
}

// IncrementalDeleteOrphaned reclaims data rows whose block was deleted
// by a previous IncrementalGC pass, under the same budget rules. No
// events fire here; the block was already reported deleted.
func (s *Store) IncrementalDeleteOrphaned(ctx context.Context, minBlocks int, targetDuration time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}
	passStart := time.Now()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	batch := new(leveldb.Batch)
	done := true
	deleted := 0
	it := s.db.NewIterator(lutil.BytesPrefix([]byte{dataPrefix}), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if deleted > 0 && (deleted >= minBlocks || time.Since(passStart) >= targetDuration) {
			done = false
			break
		}
		c, err := cidFromKey(it.Key())
		if err != nil {
			continue
		}
		has, err := s.db.Has(metaKey(c), nil)
		if err != nil {
			return false, err
		}
		if has {
			continue
		}
		batch.Delete(append([]byte(nil), it.Key()...))
		deleted++
	}
	if err := it.Error(); err != nil {
		return false, err
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return false, err
		}
		s.log.Debug("orphan pass",
			"reclaimed", deleted,
			"elapsed", time.Since(passStart),
			"done", done,
		)
	}
	return done, nil
}

// Evict runs garbage collection to a fixed point: first collection
// passes until done, then orphaned data reclamation until done. On
// return every stored block is reachable from some root, unless the
// size targets stopped collection early.
func (s *Store) Evict(ctx context.Context) error {
	for {
		done, err := s.IncrementalGC(ctx, s.gcMinBlocks, s.gcTargetDuration)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	for {
		done, err := s.IncrementalDeleteOrphaned(ctx, s.gcMinBlocks, s.gcTargetDuration)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

package store

import (
	"context"
	"sync/atomic"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

// TempPin protects a set of cids from garbage collection for the
// lifetime of the handle. Pins are ephemeral: they do not survive a
// restart, and Release drops the protection immediately. Releasing
// twice is a no-op.
type TempPin struct {
	id       uint64
	s        *Store
	released atomic.Bool
}

// TempPin creates a new empty pin. Cids join it either through
// Put with the pin argument or through Assign.
func (s *Store) TempPin() *TempPin {
	return &TempPin{id: s.pinSeq.Add(1), s: s}
}

// Assign adds cids to the pin's protected set. Assigning a cid twice is
// a no-op. The cids need not be stored yet; protection applies as soon
// as they are.
func (s *Store) Assign(ctx context.Context, pin *TempPin, cids ...block.CID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if pin == nil || len(cids) == 0 {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	// Checked under wmu. A concurrent Release flips the flag before
	// its sweep takes this lock, so a pin row committed below is
	// always seen by that sweep.
	if pin.released.Load() {
		return ErrPinReleased
	}

	batch := new(leveldb.Batch)
	for _, c := range cids {
		batch.Put(pinKey(pin.id, c), nil)
	}
	return s.db.Write(batch, nil)
}

// Release drops the pin's protection. Blocks only it was keeping alive
// become eligible for collection on the next pass.
func (p *TempPin) Release() error {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return nil
	}
	return p.s.releasePin(p.id)
}

func (s *Store) releasePin(id uint64) error {
	if s.closed.Load() {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(lutil.BytesPrefix(pinIDPrefix(id)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

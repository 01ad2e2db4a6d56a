package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WanderningMaster/blockvault/configuration"
	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/logging"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrClosed       = errors.New("store closed")
	ErrNilBlock     = errors.New("nil block")
	ErrNilExtractor = errors.New("nil reference extractor")
	ErrPinReleased  = errors.New("temp pin already released")
)

// ReferenceExtractor enumerates the cids a block references. It is
// supplied per block format by the caller; the store itself never
// decodes payloads.
type ReferenceExtractor interface {
	Refs(b *block.Block) ([]block.CID, error)
}

// Stats is the current number of stored blocks and their total size in
// bytes.
type Stats struct {
	Count uint64
	Size  uint64
}

// dbReader is satisfied by both *leveldb.DB and *leveldb.Snapshot, so
// multi-read operations can run against a consistent snapshot.
type dbReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *lutil.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Store is a content-addressed block store over a single leveldb
// database. Aliases and temp pins protect blocks from the garbage
// collector; everything unreachable from them is eligible for
// collection once the size targets are exceeded.
//
// All mutations go through a single writer mutex and commit as one
// atomic write batch, so readers and the garbage collector only ever
// observe fully applied states. A garbage collection pass holds the
// writer mutex for at most its time budget.
type Store struct {
	db      *leveldb.DB
	ext     ReferenceExtractor
	tracker CacheTracker
	targets SizeTargets
	log     *slog.Logger

	gcMinBlocks      int
	gcTargetDuration time.Duration

	// wmu is the serialization boundary for every mutation.
	wmu sync.Mutex

	// dirty buffers access time updates from reads until the next
	// write batch persists them into the meta rows.
	dmu   sync.Mutex
	dirty map[block.CID]int64

	pinSeq atomic.Uint64
	closed atomic.Bool
}

type Option func(*Store)

// WithTracker replaces the default LRU tracker, e.g. to decorate it.
func WithTracker(t CacheTracker) Option {
	return func(s *Store) { s.tracker = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = logging.WithComponent(l, "store")
		}
	}
}

// Open opens the store described by cfg. An empty cfg.Path means an
// ephemeral in-memory database. Leftover temp pin rows from a previous
// process are wiped, since pin handles do not survive a restart.
func Open(cfg configuration.Config, ext ReferenceExtractor, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, ErrNilExtractor
	}

	var db *leveldb.DB
	var err error
	if cfg.Path == "" {
		db, err = leveldb.Open(ldbstorage.NewMemStorage(), nil)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		db, err = leveldb.OpenFile(cfg.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:               db,
		ext:              ext,
		targets:          SizeTargets{MaxBlocks: cfg.MaxBlocks, MaxBytes: cfg.MaxBytes},
		log:              logging.Nop(),
		gcMinBlocks:      cfg.GCMinBlocks,
		gcTargetDuration: cfg.GCTargetDuration,
		dirty:            make(map[block.CID]int64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.tracker == nil {
		s.tracker = NewLRUTracker()
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	batch := new(leveldb.Batch)

	it := s.db.NewIterator(lutil.BytesPrefix([]byte{pinPrefix}), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()

	if has, err := s.db.Has(statsKey, nil); err != nil {
		return err
	} else if !has {
		raw, err := encodeStats(statsRow{})
		if err != nil {
			return err
		}
		batch.Put(statsKey, raw)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return err
		}
	}

	// Seed the tracker with the persisted access times.
	var infos []BlockInfo
	it = s.db.NewIterator(lutil.BytesPrefix([]byte{metaPrefix}), nil)
	for it.Next() {
		c, err := cidFromKey(it.Key())
		if err != nil {
			continue
		}
		m, err := decodeMeta(it.Value())
		if err != nil {
			continue
		}
		infos = append(infos, BlockInfo{ID: m.ID, CID: c, Size: m.Size, Atime: m.Atime})
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()
	if len(infos) > 0 {
		s.tracker.Accessed(infos)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if d := s.drainDirty(); len(d) > 0 {
		batch := new(leveldb.Batch)
		if err := s.applyDirty(s.db, batch, d); err == nil && batch.Len() > 0 {
			_ = s.db.Write(batch, nil)
		}
	}
	return s.db.Close()
}

// Put stores a block. Inserting an already present cid only refreshes
// its access time. A non-nil pin additionally registers the cid in that
// pin's protected set, in the same atomic batch as the block itself, so
// a block inserted under a pin is never observable unprotected.
func (s *Store) Put(ctx context.Context, b *block.Block, pin *TempPin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if b == nil {
		return ErrNilBlock
	}
	if len(b.Bytes) == 0 {
		if err := b.Serialize(); err != nil {
			return err
		}
	}
	if !b.CID.Defined() {
		if err := b.ComputeCID(); err != nil {
			return err
		}
	}
	refs, err := s.ext.Refs(b)
	if err != nil {
		return fmt.Errorf("extract refs: %w", err)
	}
	now := time.Now().UnixNano()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	// Checked under wmu. A concurrent Release flips the flag before
	// its sweep takes this lock, so a pin row committed below is
	// always seen by that sweep.
	if pin != nil && pin.released.Load() {
		return ErrPinReleased
	}

	batch := new(leveldb.Batch)
	var info BlockInfo

	metaRaw, err := s.db.Get(metaKey(b.CID), nil)
	switch {
	case err == nil:
		m, err := decodeMeta(metaRaw)
		if err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		m.Atime = now
		raw, err := encodeMeta(m)
		if err != nil {
			return err
		}
		batch.Put(metaKey(b.CID), raw)
		info = BlockInfo{ID: m.ID, CID: b.CID, Size: m.Size, Atime: now}
	case err == leveldb.ErrNotFound:
		id, err := s.nextID(batch)
		if err != nil {
			return err
		}
		size := int64(len(b.Bytes))
		raw, err := encodeMeta(metaRow{ID: id, Size: size, Atime: now})
		if err != nil {
			return err
		}
		batch.Put(dataKey(b.CID), b.Bytes)
		batch.Put(metaKey(b.CID), raw)
		if len(refs) > 0 {
			refsRaw, err := encodeRefs(refs)
			if err != nil {
				return err
			}
			batch.Put(refsKey(b.CID), refsRaw)
		}
		stats, err := s.readStats(s.db)
		if err != nil {
			return err
		}
		stats.Count++
		stats.Size += uint64(size)
		statsRaw, err := encodeStats(statsRow{Count: stats.Count, Size: stats.Size})
		if err != nil {
			return err
		}
		batch.Put(statsKey, statsRaw)
		info = BlockInfo{ID: id, CID: b.CID, Size: size, Atime: now}
	default:
		return err
	}

	if pin != nil {
		batch.Put(pinKey(pin.id, b.CID), nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.tracker.Accessed([]BlockInfo{info})
	return nil
}

// Get returns the stored bytes for c, or nil when the block is absent.
// A hit refreshes the block's access time.
func (s *Store) Get(ctx context.Context, c block.CID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	metaRaw, err := snap.Get(metaKey(c), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := decodeMeta(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	data, err := snap.Get(dataKey(c), nil)
	if err != nil {
		return nil, fmt.Errorf("data row for %s: %w", c, err)
	}
	s.markAccess(BlockInfo{ID: m.ID, CID: c, Size: m.Size, Atime: time.Now().UnixNano()})
	return data, nil
}

func (s *Store) Has(ctx context.Context, c block.CID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.db.Has(metaKey(c), nil)
}

// CIDs enumerates every stored block cid from one consistent snapshot.
func (s *Store) CIDs(ctx context.Context) ([]block.CID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	out := make([]block.CID, 0, 128)
	it := snap.NewIterator(lutil.BytesPrefix([]byte{metaPrefix}), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := cidFromKey(it.Key())
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Stat(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	return s.readStats(s.db)
}

// Flush persists buffered access times and writes the flush marker with
// a synced batch. When it returns, every prior write survives a crash.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	batch := new(leveldb.Batch)
	if err := s.applyDirty(s.db, batch, s.drainDirty()); err != nil {
		return err
	}
	var ts [8]byte
	byteOrder.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	batch.Put(flushKey, ts[:])
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *Store) readStats(r dbReader) (Stats, error) {
	raw, err := r.Get(statsKey, nil)
	if err == leveldb.ErrNotFound {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	row, err := decodeStats(raw)
	if err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return Stats{Count: row.Count, Size: row.Size}, nil
}

// nextID bumps the persisted id sequence. Callers hold wmu.
func (s *Store) nextID(batch *leveldb.Batch) (uint64, error) {
	var seq uint64
	raw, err := s.db.Get(seqKey, nil)
	if err == nil {
		seq = byteOrder.Uint64(raw)
	} else if err != leveldb.ErrNotFound {
		return 0, err
	}
	seq++
	var buf [8]byte
	byteOrder.PutUint64(buf[:], seq)
	batch.Put(seqKey, buf[:])
	return seq, nil
}

func (s *Store) markAccess(info BlockInfo) {
	s.dmu.Lock()
	s.dirty[info.CID] = info.Atime
	s.dmu.Unlock()
	s.tracker.Accessed([]BlockInfo{info})
}

func (s *Store) drainDirty() map[block.CID]int64 {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if len(s.dirty) == 0 {
		return nil
	}
	d := s.dirty
	s.dirty = make(map[block.CID]int64)
	return d
}

// applyDirty folds buffered access times into the meta rows of blocks
// that still exist. Callers hold wmu.
func (s *Store) applyDirty(r dbReader, batch *leveldb.Batch, dirty map[block.CID]int64) error {
	for c, at := range dirty {
		raw, err := r.Get(metaKey(c), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		m, err := decodeMeta(raw)
		if err != nil {
			continue
		}
		if at <= m.Atime {
			continue
		}
		m.Atime = at
		enc, err := encodeMeta(m)
		if err != nil {
			return err
		}
		batch.Put(metaKey(c), enc)
	}
	return nil
}

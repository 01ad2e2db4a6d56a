package store

import (
	"context"
	"errors"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

var ErrEmptyAlias = errors.New("empty alias name")

// AliasEntry is one named root.
type AliasEntry struct {
	Name []byte
	CID  block.CID
}

// SetAlias binds name to c, replacing any previous binding. A nil c
// removes the alias. The target need not be stored; a dangling alias
// simply contributes nothing to the root set.
func (s *Store) SetAlias(ctx context.Context, name []byte, c *block.CID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if len(name) == 0 {
		return ErrEmptyAlias
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	batch := new(leveldb.Batch)
	if c == nil {
		batch.Delete(aliasKey(name))
	} else {
		batch.Put(aliasKey(name), c.ToBytes())
	}
	return s.db.Write(batch, nil)
}

// Resolve returns the cid bound to name, or nil when the alias does not
// exist.
func (s *Store) Resolve(ctx context.Context, name []byte) (*block.CID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := s.db.Get(aliasKey(name), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := block.CidFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Aliases lists every alias binding from one consistent snapshot.
func (s *Store) Aliases(ctx context.Context) ([]AliasEntry, error) {
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

	var out []AliasEntry
	it := snap.NewIterator(lutil.BytesPrefix([]byte{aliasPrefix}), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := block.CidFromBytes(it.Value())
		if err != nil {
			continue
		}
		name := append([]byte(nil), it.Key()[1:]...)
		out = append(out, AliasEntry{Name: name, CID: c})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

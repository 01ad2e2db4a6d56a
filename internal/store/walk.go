package store

import (
	"context"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

func readRefs(r dbReader, c block.CID) ([]block.CID, error) {
	raw, err := r.Get(refsKey(c), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRefs(raw)
}

// rootSet collects every alias target and temp pinned cid. Duplicates
// are fine, the traversal dedups through its visited set.
func rootSet(r dbReader) ([]block.CID, error) {
	var roots []block.CID

	it := r.NewIterator(lutil.BytesPrefix([]byte{aliasPrefix}), nil)
	for it.Next() {
		c, err := block.CidFromBytes(it.Value())
		if err != nil {
			continue
		}
		roots = append(roots, c)
	}
	if err := it.Error(); err != nil {
		it.Release()
		return nil, err
	}
	it.Release()

	it = r.NewIterator(lutil.BytesPrefix([]byte{pinPrefix}), nil)
	for it.Next() {
		c, err := cidFromPinKey(it.Key())
		if err != nil {
			continue
		}
		roots = append(roots, c)
	}
	if err := it.Error(); err != nil {
		it.Release()
		return nil, err
	}
	it.Release()
	return roots, nil
}

// reachableFrom computes the closure of roots over the reference
// relation with an explicit worklist, so an accidentally cyclic graph
// cannot blow the stack. Roots without a stored block are included;
// their protection applies the moment the block arrives.
func reachableFrom(ctx context.Context, r dbReader, roots []block.CID) (map[block.CID]struct{}, error) {
	visited := make(map[block.CID]struct{}, len(roots))
	stack := append([]block.CID(nil), roots...)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last := len(stack) - 1
		c := stack[last]
		stack = stack[:last]
		if _, ok := visited[c]; ok {
			continue
		}
		visited[c] = struct{}{}
		refs, err := readRefs(r, c)
		if err != nil {
			return nil, err
		}
		for _, child := range refs {
			if _, ok := visited[child]; !ok {
				stack = append(stack, child)
			}
		}
	}
	return visited, nil
}

// reaches reports whether target is in the closure of from, bailing out
// as soon as it is found.
func reaches(ctx context.Context, r dbReader, from, target block.CID) (bool, error) {
	visited := make(map[block.CID]struct{})
	stack := []block.CID{from}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		last := len(stack) - 1
		c := stack[last]
		stack = stack[:last]
		if c == target {
			return true, nil
		}
		if _, ok := visited[c]; ok {
			continue
		}
		visited[c] = struct{}{}
		refs, err := readRefs(r, c)
		if err != nil {
			return false, err
		}
		stack = append(stack, refs...)
	}
	return false, nil
}

// ReverseAlias returns the alias names from which c is transitively
// reachable. ok is false when c is not stored at all; a stored but
// unprotected block yields ok true with no names.
func (s *Store) ReverseAlias(ctx context.Context, c block.CID) ([][]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, false, err
	}
	defer snap.Release()

	has, err := snap.Has(metaKey(c), nil)
	if err != nil {
		return nil, false, err
	}
	if !has {
		return nil, false, nil
	}

	var names [][]byte
	it := snap.NewIterator(lutil.BytesPrefix([]byte{aliasPrefix}), nil)
	defer it.Release()
	for it.Next() {
		target, err := block.CidFromBytes(it.Value())
		if err != nil {
			continue
		}
		ok, err := reaches(ctx, snap, target, c)
		if err != nil {
			return nil, false, err
		}
		if ok {
			names = append(names, append([]byte(nil), it.Key()[1:]...))
		}
	}
	if err := it.Error(); err != nil {
		return nil, false, err
	}
	return names, true, nil
}

// MissingBlocks walks the reference graph under root and returns every
// referenced cid that is not stored, in first-seen order. An absent
// root has no stored references and yields nothing.
func (s *Store) MissingBlocks(ctx context.Context, root block.CID) ([]block.CID, error) {
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

	stack, err := readRefs(snap, root)
	if err != nil {
		return nil, err
	}
	var missing []block.CID
	visited := map[block.CID]struct{}{root: {}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last := len(stack) - 1
		c := stack[last]
		stack = stack[:last]
		if _, ok := visited[c]; ok {
			continue
		}
		visited[c] = struct{}{}
		has, err := snap.Has(metaKey(c), nil)
		if err != nil {
			return nil, err
		}
		if !has {
			missing = append(missing, c)
			continue
		}
		refs, err := readRefs(snap, c)
		if err != nil {
			return nil, err
		}
		stack = append(stack, refs...)
	}
	return missing, nil
}

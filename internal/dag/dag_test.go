package dag

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/WanderningMaster/blockvault/internal/block"
)

// memSink is an in-memory block sink for builder tests.
type memSink struct {
	blocks map[block.CID]*block.Block
	order  []block.CID
}

func newMemSink() *memSink {
	return &memSink{blocks: make(map[block.CID]*block.Block)}
}

func (m *memSink) PutBlock(ctx context.Context, b *block.Block) error {
	if _, ok := m.blocks[b.CID]; !ok {
		m.order = append(m.order, b.CID)
	}
	m.blocks[b.CID] = b
	return nil
}

func (m *memSink) GetBlock(ctx context.Context, c block.CID) (*block.Block, error) {
	b, ok := m.blocks[c]
	if !ok {
		return nil, errors.New("block not found")
	}
	return b, nil
}

func TestBuildFetchRoundTripSmall(t *testing.T) {
	sink := newMemSink()
	b := DefaultBuilder(sink)

	data := []byte("tiny content that fits one chunk")
	mblk, cid, err := b.BuildFromReader(context.Background(), "tiny.txt", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}
	if mblk.Header.Type != block.BlockManifest {
		t.Fatalf("root block type: got %d want manifest", mblk.Header.Type)
	}
	if cid != mblk.CID {
		t.Fatalf("returned cid differs from manifest cid")
	}
	// one leaf plus the manifest
	if len(sink.blocks) != 2 {
		t.Fatalf("stored blocks: got %d want 2", len(sink.blocks))
	}

	out, err := Fetch(context.Background(), sink, cid)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("fetched bytes differ: got %d want %d", len(out), len(data))
	}
}

func TestBuildFetchRoundTripMultiLevel(t *testing.T) {
	sink := newMemSink()
	b := &DagBuilder{ChunkSize: 16, Fanout: 2, Store: sink}

	data := make([]byte, 16*7+5)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(data)

	_, cid, err := b.BuildFromReader(context.Background(), "big.bin", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}

	// 8 leaves under fanout 2 forces intermediate node levels
	var nodes int
	for _, blk := range sink.blocks {
		if blk.Header.Type == block.BlockNode {
			nodes++
		}
	}
	if nodes == 0 {
		t.Fatalf("expected intermediate nodes, got none")
	}

	out, err := Fetch(context.Background(), sink, cid)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("fetched bytes differ")
	}
}

func TestBuildEmptyInput(t *testing.T) {
	sink := newMemSink()
	b := DefaultBuilder(sink)

	_, cid, err := b.BuildFromReader(context.Background(), "empty", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}
	out, err := Fetch(context.Background(), sink, cid)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("fetched %d bytes want 0", len(out))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	data := []byte("same input, same cid")

	s1 := newMemSink()
	_, cid1, err := DefaultBuilder(s1).BuildFromReader(context.Background(), "a", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}
	s2 := newMemSink()
	_, cid2, err := DefaultBuilder(s2).BuildFromReader(context.Background(), "a", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}
	if cid1 != cid2 {
		t.Fatalf("cids differ for identical input: %s vs %s", cid1, cid2)
	}
}

func TestExtractorWalksWholeDag(t *testing.T) {
	sink := newMemSink()
	b := &DagBuilder{ChunkSize: 8, Fanout: 2, Store: sink}

	data := make([]byte, 8*4)
	for i := range data {
		data[i] = byte(i)
	}
	_, cid, err := b.BuildFromReader(context.Background(), "walk", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildFromReader error: %v", err)
	}

	// every stored block must be reachable from the manifest through Refs
	var ext Extractor
	seen := make(map[block.CID]struct{})
	stack := []block.CID{cid}
	for len(stack) > 0 {
		last := len(stack) - 1
		c := stack[last]
		stack = stack[:last]
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		blk, err := sink.GetBlock(context.Background(), c)
		if err != nil {
			t.Fatalf("GetBlock error: %v", err)
		}
		refs, err := ext.Refs(blk)
		if err != nil {
			t.Fatalf("Refs error: %v", err)
		}
		stack = append(stack, refs...)
	}
	if len(seen) != len(sink.blocks) {
		t.Fatalf("reachable blocks: got %d want %d", len(seen), len(sink.blocks))
	}

	// leaves report no children
	for _, blk := range sink.blocks {
		if blk.Header.Type != block.BlockData {
			continue
		}
		refs, err := ext.Refs(blk)
		if err != nil {
			t.Fatalf("Refs on leaf error: %v", err)
		}
		if len(refs) != 0 {
			t.Fatalf("leaf refs: got %d want 0", len(refs))
		}
	}
}

func TestFetchRejectsNonManifest(t *testing.T) {
	sink := newMemSink()
	leaf, err := block.BuildBlock(block.BlockData, "raw", []byte("leaf"))
	if err != nil {
		t.Fatalf("BuildBlock error: %v", err)
	}
	if err := sink.PutBlock(context.Background(), leaf); err != nil {
		t.Fatalf("PutBlock error: %v", err)
	}
	if _, err := Fetch(context.Background(), sink, leaf.CID); err == nil {
		t.Fatalf("expected error fetching a non-manifest")
	}
}

func TestBuilderRejectsBadParams(t *testing.T) {
	sink := newMemSink()
	b := &DagBuilder{ChunkSize: 0, Fanout: 2, Store: sink}
	if _, _, err := b.BuildFromReader(context.Background(), "x", bytes.NewReader([]byte("y"))); err == nil {
		t.Fatalf("expected error for zero chunk size")
	}
	b = &DagBuilder{ChunkSize: 8, Fanout: 1, Store: sink}
	if _, _, err := b.BuildFromReader(context.Background(), "x", bytes.NewReader([]byte("y"))); err == nil {
		t.Fatalf("expected error for fanout 1")
	}
}

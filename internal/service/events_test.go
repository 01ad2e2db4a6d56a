package service

import (
	"sync"
	"testing"
	"time"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/store"
)

func testCID(t *testing.T, seed byte) block.CID {
	t.Helper()
	c, err := block.NewCID([]byte{seed})
	if err != nil {
		t.Fatalf("NewCID error: %v", err)
	}
	return c
}

func TestEventQueueDeliversInOrder(t *testing.T) {
	q := newEventQueue()
	cids := []block.CID{testCID(t, 1), testCID(t, 2), testCID(t, 3)}
	for _, c := range cids {
		q.push(Event{Kind: EventRemove, CID: c})
	}
	for i, want := range cids {
		select {
		case ev := <-q.out:
			if ev.CID != want {
				t.Fatalf("event %d: got %s want %s", i, ev.CID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	q.close()
	select {
	case _, ok := <-q.out:
		if ok {
			t.Fatalf("expected closed out channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("out channel did not close")
	}
}

func TestEventQueuePushNeverBlocks(t *testing.T) {
	q := newEventQueue()
	c := testCID(t, 9)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.push(Event{Kind: EventRemove, CID: c})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("push blocked without a consumer")
	}

	// closing with a backlog drops it and still closes out
	q.close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-q.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("out channel did not close with backlog pending")
		}
	}
}

// recTracker records the deletions forwarded to the inner tracker.
type recTracker struct {
	store.CacheTracker
	mu      sync.Mutex
	deleted []block.CID
}

func (r *recTracker) Deleted(blocks []store.BlockInfo) {
	r.mu.Lock()
	for _, b := range blocks {
		r.deleted = append(r.deleted, b.CID)
	}
	r.mu.Unlock()
}

func TestEventTrackerForwardsDeletions(t *testing.T) {
	rec := &recTracker{CacheTracker: store.NewLRUTracker()}
	q := newEventQueue()
	et := eventTracker{CacheTracker: rec, queue: q}

	infos := []store.BlockInfo{
		{ID: 1, CID: testCID(t, 1)},
		{ID: 2, CID: testCID(t, 2)},
	}
	et.Deleted(infos)

	rec.mu.Lock()
	if len(rec.deleted) != 2 || rec.deleted[0] != infos[0].CID || rec.deleted[1] != infos[1].CID {
		t.Fatalf("inner tracker deletions: got %v", rec.deleted)
	}
	rec.mu.Unlock()

	for i, want := range infos {
		select {
		case ev := <-q.out:
			if ev.Kind != EventRemove || ev.CID != want.CID {
				t.Fatalf("event %d: got kind %d cid %s", i, ev.Kind, ev.CID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	q.close()
}

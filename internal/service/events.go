package service

import (
	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/store"
)

type EventKind uint8

const (
	// EventRemove fires once per block the garbage collector deleted,
	// in deletion order.
	EventRemove EventKind = 1
)

type Event struct {
	Kind EventKind
	CID  block.CID
}

// eventQueue decouples the garbage collector from event consumers: a
// push hands the event to the pump goroutine and returns, the pump
// buffers without bound, so a slow consumer grows a backlog instead of
// stalling deletion. Closing the queue drops whatever was not yet
// consumed and closes the out channel.
type eventQueue struct {
	in  chan Event
	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{in: make(chan Event), out: make(chan Event)}
	go q.pump()
	return q
}

func (q *eventQueue) pump() {
	var buf []Event
	for {
		var (
			outCh chan Event
			next  Event
		)
		if len(buf) > 0 {
			outCh = q.out
			next = buf[0]
		}
		select {
		case ev, ok := <-q.in:
			if !ok {
				close(q.out)
				return
			}
			buf = append(buf, ev)
		case outCh <- next:
			buf = buf[1:]
		}
	}
}

func (q *eventQueue) push(ev Event) {
	q.in <- ev
}

func (q *eventQueue) close() {
	close(q.in)
}

// eventTracker decorates a cache tracker so that every deletion it is
// told about also surfaces as an Event.
type eventTracker struct {
	store.CacheTracker
	queue *eventQueue
}

func (t eventTracker) Deleted(blocks []store.BlockInfo) {
	t.CacheTracker.Deleted(blocks)
	for _, b := range blocks {
		t.queue.push(Event{Kind: EventRemove, CID: b.CID})
	}
}

// Package cachemgr implements component G: the facade above the store,
// signature worker, local scanner, and cloud driver. It owns per-subtree
// load state, aggregates DirMeta lazily, and multiplexes change events to
// subscribers (spec §4.G). Grounded on the teacher's overall event-driven
// shape (delta.Watcher's buffered-change pattern generalized to a full
// pub/sub) and on original_source/outlet/be/rt/batching_thread.py's
// coalescing idea for burst suppression (SPEC_FULL.md §11).
package cachemgr

import (
	"sync"

	"github.com/nsdrive/syncagent/backend/node"
)

// EventType enumerates the signals spec §4.G's Cache Manager publishes.
type EventType int

const (
	NodeUpserted EventType = iota
	NodeRemoved
	SubtreeNodesChanged
	TreeLoadStateUpdated
	StatsUpdated
)

// Event is one published change. Fields not relevant to Type are zero.
type Event struct {
	Type       EventType
	Device     node.DeviceUID
	Node       node.Node   // NodeUpserted
	RemovedUID node.UID    // NodeRemoved
	SubtreeUID node.UID    // SubtreeNodesChanged: root of the changed subtree
	State      LoadState   // TreeLoadStateUpdated
	Stats      node.DirMeta // StatsUpdated
}

// subscriberQueueSize bounds each subscriber's channel; when a
// subscriber's channel is full, Publish drops that event for it (the
// subscriber stays registered) rather than backpressuring producers,
// per spec §4.J's "no backpressure to producers."
const subscriberQueueSize = 256

// Bus fans out Events to subscribers. One Bus is shared by every device's
// Tree; subscribers filter by Device themselves if they only care about
// one subtree.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueueSize)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// Publish delivers ev to every subscriber, dropping it for any whose
// queue is full (spec §4.J: "slow subscribers are dropped after a
// bounded queue fills").
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

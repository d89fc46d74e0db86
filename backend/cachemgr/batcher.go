package cachemgr

import (
	"sync"
	"time"

	"github.com/nsdrive/syncagent/backend/node"
)

// batcher coalesces bursts of per-node upsert/remove events into a
// single SUBTREE_NODES_CHANGED per window, grounded on
// original_source/outlet/be/rt/batching_thread.py's coalescing idea
// (SPEC_FULL.md §11) and generalized to both disk and cloud change
// streams via the same debounce mechanism spec §4.E already names for
// local live-monitor bursts (local_change_batch_interval_ms).
type batcher struct {
	mu       sync.Mutex
	window   time.Duration
	pending  map[node.UID]bool
	timer    *time.Timer
	fire     func(subtree node.UID)
}

func newBatcher(window time.Duration, fire func(subtree node.UID)) *batcher {
	return &batcher{window: window, pending: make(map[node.UID]bool), fire: fire}
}

// mark records that subtree has a change pending and (re)starts the
// debounce timer.
func (b *batcher) mark(subtree node.UID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[subtree] = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	} else {
		b.timer.Reset(b.window)
	}
}

func (b *batcher) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[node.UID]bool)
	b.timer = nil
	b.mu.Unlock()

	for uid := range pending {
		b.fire(uid)
	}
}

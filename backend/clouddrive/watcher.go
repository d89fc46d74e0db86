package clouddrive

import (
	"context"
	"sync"
	"time"

	"github.com/rclone/rclone/fs"

	"github.com/nsdrive/syncagent/backend/logging"
)

// changeType tags what a watcher believes happened to a path; rclone's
// ChangeNotify callback carries no add/modify distinction, only that the
// entry's remote state may have changed.
type changeType int

const (
	changeModified changeType = iota
)

type change struct {
	Path       string
	EntryType  fs.EntryType
	Type       changeType
	DetectedAt time.Time
}

// watcher wraps one remote's ChangeNotify feed and coalesces repeated
// notifications for the same path into a single pending entry, the same
// dedup-by-key idea cachemgr.batcher applies to local subtree changes
// (SPEC_FULL.md §11) — a burst of ChangeNotify calls for one hot file
// shouldn't cost the poller one NewObject lookup per callback.
type watcher struct {
	remoteKey string
	backing   fs.Fs
	log       *logging.Logger

	mu      sync.Mutex
	pollCh  chan time.Duration
	pending map[string]change
	running bool
	cancel  context.CancelFunc
}

func newWatcher(remoteKey string, backing fs.Fs, log *logging.Logger) *watcher {
	return &watcher{remoteKey: remoteKey, backing: backing, log: log}
}

func (w *watcher) Start(parentCtx context.Context, pollInterval time.Duration) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}

	features := w.backing.Features()
	if features.ChangeNotify == nil {
		w.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel
	w.pollCh = make(chan time.Duration, 1)
	w.pending = make(map[string]change)
	w.running = true

	features.ChangeNotify(ctx, w.notify, w.pollCh)

	pollCh := w.pollCh
	w.mu.Unlock()

	pollCh <- pollInterval
	w.log.Infof("clouddrive: watcher started for %s (poll %v)", w.remoteKey, pollInterval)
}

// notify overwrites any earlier pending entry for path, coalescing a burst
// of callbacks for the same object into the single most recent one.
func (w *watcher) notify(path string, entryType fs.EntryType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = change{Path: path, EntryType: entryType, Type: changeModified, DetectedAt: time.Now()}
}

func (w *watcher) HasChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0
}

// DrainChanges returns and clears the coalesced pending set. Order is not
// meaningful — callers process each changed path independently.
func (w *watcher) DrainChanges() []change {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	out := make([]change, 0, len(w.pending))
	for _, c := range w.pending {
		out = append(out, c)
	}
	w.pending = make(map[string]change)
	return out
}

// RestoreChanges merges previously drained changes back in, for when a
// scoped delta sync fails partway through. An entry that already has a
// newer pending change (one that arrived since the drain) is left alone —
// the newer state wins.
func (w *watcher) RestoreChanges(cs []change) {
	if len(cs) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cs {
		// A pending entry already present arrived after this restored one
		// was drained, so it's strictly newer — keep it and drop c.
		if _, ok := w.pending[c.Path]; !ok {
			w.pending[c.Path] = c
		}
	}
}

func (w *watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	if w.pollCh != nil {
		close(w.pollCh)
		w.pollCh = nil
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.log.Infof("clouddrive: watcher stopped for %s", w.remoteKey)
}

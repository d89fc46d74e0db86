package clouddrive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/store"
)

const (
	// MaxDeltaSyncsBeforeFullSync forces a full sync after this many
	// consecutive delta polls, per the teacher's own tuning.
	MaxDeltaSyncsBeforeFullSync = 50
	// MaxTimeBetweenFullSyncs forces a full sync after this duration even
	// if the watcher reports no changes.
	MaxTimeBetweenFullSyncs = 24 * time.Hour
	// DefaultPollInterval is the ChangeNotify poll cadence.
	DefaultPollInterval = 1 * time.Minute
	// MaxChangesBeforeFallback triggers a full sync instead of trusting a
	// (possibly incomplete) change feed, per spec §4.F's rate-limit note.
	MaxChangesBeforeFallback = 5000
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS delta_state (
	remote_key      TEXT PRIMARY KEY,
	is_watching     INTEGER NOT NULL DEFAULT 0,
	last_full_sync  INTEGER,
	delta_count     INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL DEFAULT 0
);
`

// deltaState is the persisted polling bookkeeping for one remote,
// grounded on the teacher's backend/delta.DeltaState.
type deltaState struct {
	RemoteKey    string
	IsWatching   bool
	LastFullSync *time.Time
	DeltaCount   int
}

// Poller manages the watcher and full/incremental sync decision for
// every mounted cloud device, adapted from the teacher's
// backend/delta.DeltaService — same method surface, generalized from "a
// sync profile's remote" to "a mounted device."
type Poller struct {
	db  *sql.DB
	log *logging.Logger

	mu       sync.RWMutex
	watchers map[string]*watcher
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewPoller opens (or creates) the change-cursor database at path.
func NewPoller(path string, log *logging.Logger) (*Poller, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(cursorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("clouddrive: apply cursor schema: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{db: db, log: log, watchers: make(map[string]*watcher), ctx: ctx, cancel: cancel}, nil
}

func (p *Poller) Close() error {
	p.StopAll()
	return p.db.Close()
}

// EnsureWatcher starts change-notification watching for d if its backend
// supports it and no watcher is already running for it.
func (p *Poller) EnsureWatcher(d *Driver) {
	if !d.SupportsChangeNotify() {
		return
	}
	key := remoteKey(d.Remote)

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watchers[key]; ok && w.IsRunning() {
		return
	}

	w := newWatcher(key, d.backing, p.log)
	w.Start(p.ctx, DefaultPollInterval)
	p.watchers[key] = w
	if err := p.setWatching(key, true); err != nil {
		p.log.Warnf("clouddrive: failed to persist watching state for %s: %v", key, err)
	}
}

// ShouldPollIncrementally reports whether it's safe to trust the
// watcher's drained change set instead of doing a full SnapshotList,
// per spec §4.F's periodic-full-sync safety valve.
func (p *Poller) ShouldPollIncrementally(remote string) bool {
	key := remoteKey(remote)
	p.mu.RLock()
	w, ok := p.watchers[key]
	p.mu.RUnlock()
	if !ok || !w.IsRunning() {
		return false
	}

	state, err := p.getState(key)
	if err != nil || state == nil {
		return false
	}
	if state.DeltaCount >= MaxDeltaSyncsBeforeFullSync {
		p.log.Infof("clouddrive: %s forcing full sync after %d delta polls", key, state.DeltaCount)
		return false
	}
	if state.LastFullSync != nil && time.Since(*state.LastFullSync) > MaxTimeBetweenFullSyncs {
		p.log.Infof("clouddrive: %s forcing full sync, stale by %v", key, time.Since(*state.LastFullSync))
		return false
	}
	return w.HasChanges()
}

// DrainChanges returns the change paths accumulated since the last
// drain, or nil if there's no running watcher or the burst is too large
// to trust (spec's MaxChangesBeforeFallback).
func (p *Poller) DrainChanges(remote string) ([]string, bool) {
	key := remoteKey(remote)
	p.mu.RLock()
	w, ok := p.watchers[key]
	p.mu.RUnlock()
	if !ok || !w.IsRunning() {
		return nil, false
	}

	changes := w.DrainChanges()
	if len(changes) == 0 {
		return nil, true
	}
	if len(changes) > MaxChangesBeforeFallback {
		w.RestoreChanges(changes)
		return nil, false
	}
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	return paths, true
}

// CommitFullSync records a completed full listing and starts watching
// for subsequent incremental updates if the backend supports it.
func (p *Poller) CommitFullSync(d *Driver) error {
	p.EnsureWatcher(d)
	key := remoteKey(d.Remote)
	p.mu.RLock()
	w, watching := p.watchers[key]
	p.mu.RUnlock()
	return p.recordFullSync(key, watching && w.IsRunning())
}

// CommitDelta records a successful incremental poll.
func (p *Poller) CommitDelta(remote string) error {
	return p.incrementDeltaCount(remoteKey(remote))
}

// StopAll tears down every running watcher, called on agent shutdown.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.watchers {
		w.Stop()
		if err := p.setWatching(key, false); err != nil {
			p.log.Warnf("clouddrive: failed to clear watching state for %s: %v", key, err)
		}
	}
	p.watchers = make(map[string]*watcher)
	p.cancel()
}

// --- SQL bookkeeping, adapted from the teacher's backend/delta/store.go ---

func (p *Poller) getState(remoteKey string) (*deltaState, error) {
	row := p.db.QueryRow(`SELECT remote_key, is_watching, last_full_sync, delta_count FROM delta_state WHERE remote_key = ?`, remoteKey)
	var s deltaState
	var isWatching int
	var lastFullSync sql.NullInt64
	err := row.Scan(&s.RemoteKey, &isWatching, &lastFullSync, &s.DeltaCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.IsWatching = isWatching != 0
	if lastFullSync.Valid {
		t := time.Unix(lastFullSync.Int64, 0).UTC()
		s.LastFullSync = &t
	}
	return &s, nil
}

func (p *Poller) recordFullSync(remoteKey string, isWatching bool) error {
	now := time.Now().Unix()
	_, err := p.db.Exec(`
		INSERT INTO delta_state (remote_key, is_watching, last_full_sync, delta_count, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(remote_key) DO UPDATE SET
			is_watching = excluded.is_watching, last_full_sync = excluded.last_full_sync,
			delta_count = 0, updated_at = excluded.updated_at`,
		remoteKey, boolToInt(isWatching), now, now)
	return err
}

func (p *Poller) incrementDeltaCount(remoteKey string) error {
	now := time.Now().Unix()
	_, err := p.db.Exec(`UPDATE delta_state SET delta_count = delta_count + 1, updated_at = ? WHERE remote_key = ?`, now, remoteKey)
	return err
}

func (p *Poller) setWatching(remoteKey string, watching bool) error {
	now := time.Now().Unix()
	_, err := p.db.Exec(`
		INSERT INTO delta_state (remote_key, is_watching, delta_count, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(remote_key) DO UPDATE SET is_watching = excluded.is_watching, updated_at = excluded.updated_at`,
		remoteKey, boolToInt(watching), now)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsRateLimited classifies a driver error as transient rate limiting so
// the caller can back off instead of failing the whole poll, per spec
// §4.F's "obey 429/exponential backoff."
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// ClassifyPollError converts a raw driver error into a tagged
// apperrors.Error the cache manager's refresh scheduler can act on.
func ClassifyPollError(err error) error {
	if err == nil {
		return nil
	}
	if IsRateLimited(err) {
		return apperrors.New(apperrors.KindTransient, "E_CLOUD_RATE_LIMIT", "cloud drive rate limit hit, backing off", err)
	}
	return apperrors.New(apperrors.KindTransient, "E_CLOUD_POLL", "cloud drive poll failed", err)
}

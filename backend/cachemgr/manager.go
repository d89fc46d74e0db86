package cachemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
)

// Manager is the top-level facade spec §4.G describes: it owns one Tree
// per mounted device, drives the load/refresh state machine, and
// schedules periodic refreshes with github.com/robfig/cron/v3 — the
// teacher's own direct dependency, previously unused by any kept file,
// now wired here for "refresh_subtree on a schedule" instead of only on
// explicit RPC request.
type Manager struct {
	log  *logging.Logger
	bus  *Bus
	cron *cron.Cron

	mu    sync.RWMutex
	trees map[node.DeviceUID]*Tree
}

// NewManager constructs a Manager sharing one event Bus across every
// device's Tree.
func NewManager(log *logging.Logger) *Manager {
	m := &Manager{log: log, bus: NewBus(), cron: cron.New(), trees: make(map[node.DeviceUID]*Tree)}
	m.cron.Start()
	return m
}

// Bus returns the shared event bus, subscribed to by backend/rpcfacade.
func (m *Manager) Bus() *Bus { return m.bus }

// Mount registers a Tree for a device, without loading it (NOT_LOADED).
func (m *Manager) Mount(t *Tree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[t.device] = t
}

// Tree returns the Tree for a device, if mounted.
func (m *Manager) Tree(device node.DeviceUID) (*Tree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trees[device]
	return t, ok
}

// RequestDisplayTree drives NOT_LOADED -> LOADING -> LOADED for a local
// device: hydrate from store, then optionally reconcile against disk if
// syncFromDiskOnLoad is set (spec §4.G's load-policy gate).
func (m *Manager) RequestDisplayTree(ctx context.Context, device node.DeviceUID, syncFromDiskOnLoad bool) error {
	t, ok := m.Tree(device)
	if !ok {
		return fmt.Errorf("cachemgr: device %d not mounted", device)
	}

	if err := t.SetState(Loading); err != nil {
		return err
	}
	if err := t.Hydrate(ctx); err != nil {
		t.SetState(Failed)
		return err
	}
	if syncFromDiskOnLoad {
		if err := m.scanLocal(ctx, t); err != nil {
			t.SetState(Failed)
			return err
		}
	}
	return t.SetState(Loaded)
}

// RefreshSubtree drives LOADED -> REFRESHING -> LOADED|FAILED by rerunning
// a local scan against the current cache snapshot.
func (m *Manager) RefreshSubtree(ctx context.Context, device node.DeviceUID) error {
	t, ok := m.Tree(device)
	if !ok {
		return fmt.Errorf("cachemgr: device %d not mounted", device)
	}
	if err := t.SetState(Refreshing); err != nil {
		return err
	}
	if err := m.scanLocal(ctx, t); err != nil {
		t.SetState(Failed)
		return err
	}
	return t.SetState(Loaded)
}

func (m *Manager) scanLocal(ctx context.Context, t *Tree) error {
	snapshot := m.snapshotOf(t)
	events, err := localscan.Scan(ctx, t.root, snapshot)
	if err != nil {
		return fmt.Errorf("cachemgr: scan %s: %w", t.root, err)
	}
	for _, ev := range events {
		if err := t.ApplyLocalEvent(ctx, ev); err != nil {
			m.log.Warnf("cachemgr: apply event for %s: %v", ev.Path, err)
		}
	}
	return nil
}

func (m *Manager) snapshotOf(t *Tree) localscan.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := make(localscan.Snapshot, len(t.pathToUID))
	for path, uid := range t.pathToUID {
		n, ok := t.byUID[uid]
		if !ok {
			continue
		}
		entry := localscan.CachedEntry{UID: uid, IsDir: n.IsDir()}
		if lf, ok := n.(*node.LocalFile); ok {
			entry.SizeBytes = lf.SizeBytes
			entry.ModifyTs = lf.ModifyTs
			entry.ChangeTs = lf.ChangeTs
		}
		snap[path] = entry
	}
	return snap
}

// ScheduleRefresh registers a cron-driven periodic refresh for device,
// per spec's poll_interval_sec / refresh_subtree note extended from
// on-demand to scheduled (SPEC_FULL.md §9's robfig/cron wiring).
func (m *Manager) ScheduleRefresh(device node.DeviceUID, every time.Duration) error {
	spec := fmt.Sprintf("@every %s", every)
	_, err := m.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), every)
		defer cancel()
		if err := m.RefreshSubtree(ctx, device); err != nil {
			m.log.Warnf("cachemgr: scheduled refresh for device %d failed: %v", device, err)
		}
	})
	return err
}

// Stop halts the cron scheduler.
func (m *Manager) Stop() {
	m.cron.Stop()
}

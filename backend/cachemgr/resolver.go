package cachemgr

import (
	"context"
	"os"
	"sync"

	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/node"
)

// Resolver implements backend/executor's PathResolver and
// MutationNotifier interfaces directly over a Manager, so cmd/agentd can
// wire component I straight onto component G without an intermediate
// per-device adapter. Cloud-mounted devices are tracked separately since
// Manager/Tree have no notion of which devices are cloud-backed — that's
// purely a property of how the device was mounted at startup.
type Resolver struct {
	manager *Manager

	mu          sync.RWMutex
	clouddrives map[node.DeviceUID]*clouddrive.Driver
}

func NewResolver(manager *Manager) *Resolver {
	return &Resolver{manager: manager, clouddrives: make(map[node.DeviceUID]*clouddrive.Driver)}
}

// MountCloudDrive registers dev as cloud-backed, driven by drv.
func (r *Resolver) MountCloudDrive(dev node.DeviceUID, drv *clouddrive.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clouddrives[dev] = drv
}

func (r *Resolver) LocalPath(device node.DeviceUID, uid node.UID) (string, bool) {
	tree, ok := r.manager.Tree(device)
	if !ok {
		return "", false
	}
	return tree.PathOf(uid)
}

// CloudPath resolves uid's remote-relative path alongside its Google
// Drive object id, when the underlying node carries one (a brand-new
// planning node has neither yet — the executor's own MKDIR/CP handling
// fills goog_id in once the remote object exists).
func (r *Resolver) CloudPath(device node.DeviceUID, uid node.UID) (string, string, bool) {
	tree, ok := r.manager.Tree(device)
	if !ok {
		return "", "", false
	}
	relPath, ok := tree.PathOf(uid)
	if !ok {
		return "", "", false
	}
	googID := ""
	if n, ok := tree.Node(uid); ok {
		switch gn := n.(type) {
		case *node.GDriveFile:
			googID = gn.GoogID
		case *node.GDriveFolder:
			googID = gn.GoogID
		}
	}
	return relPath, googID, true
}

func (r *Resolver) IsCloud(device node.DeviceUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clouddrives[device]
	return ok
}

func (r *Resolver) CloudDriver(device node.DeviceUID) (*clouddrive.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, ok := r.clouddrives[device]
	return drv, ok
}

// NotifyMutated re-derives a local path's cache entry after the executor
// completes an op against it, the write side of spec §4.G's "mutated
// only by (G) in response to (I) or scanner events" rule. Cloud-side
// mutations are picked up by the poller instead, so this is a no-op for
// cloud devices.
func (r *Resolver) NotifyMutated(device node.DeviceUID, path string) {
	if r.IsCloud(device) {
		return
	}
	tree, ok := r.manager.Tree(device)
	if !ok {
		return
	}
	ctx := context.Background()
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			_ = tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventRemove, Path: path})
		}
		return
	}
	_ = tree.ApplyLocalEvent(ctx, localscan.Event{
		Type: localscan.EventUpsert, Path: path, IsDir: info.IsDir(),
		SizeBytes: info.Size(), ModifyTs: info.ModTime(),
	})
}

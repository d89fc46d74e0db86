package cachemgr

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/signature"
	"github.com/nsdrive/syncagent/backend/store"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

// Tree is the in-memory "arena" for one device: every node the store has
// ever hydrated, indexed by UID, plus a parent -> children index and a
// local path -> UID index. Cross-node relations are UID lookups only (spec §9's
// arena+UID rule) so the whole tree can be dropped and rehydrated from
// the store without pointer fix-up.
type Tree struct {
	mu     sync.RWMutex
	device node.DeviceUID
	root   string // local root path, or remote string for cloud devices
	nodes  *store.NodeStore
	uids   *uidalloc.Allocator
	bus    *Bus
	batch  *batcher

	byUID        map[node.UID]node.Node
	childrenBy   map[node.UID][]node.UID
	pathToUID    map[string]node.UID // local-only path index
	rootUID      node.UID
	state        LoadState
}

// NewTree constructs an unloaded Tree for one device.
func NewTree(device node.DeviceUID, root string, nodes *store.NodeStore, uids *uidalloc.Allocator, bus *Bus) *Tree {
	t := &Tree{
		device: device, root: root, nodes: nodes, uids: uids, bus: bus,
		byUID: make(map[node.UID]node.Node), childrenBy: make(map[node.UID][]node.UID),
		pathToUID: make(map[string]node.UID), state: NotLoaded,
	}
	t.batch = newBatcher(200*time.Millisecond, func(subtree node.UID) {
		bus.Publish(Event{Type: SubtreeNodesChanged, Device: device, SubtreeUID: subtree})
	})
	return t
}

// SetState performs a validated state transition and publishes
// TreeLoadStateUpdated.
func (t *Tree) SetState(to LoadState) error {
	t.mu.Lock()
	from := t.state
	if !validTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("cachemgr: invalid transition %s -> %s", from, to)
	}
	t.state = to
	t.mu.Unlock()
	t.bus.Publish(Event{Type: TreeLoadStateUpdated, Device: t.device, State: to})
	return nil
}

// State returns the tree's current load state.
func (t *Tree) State() LoadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Hydrate loads every persisted record for this device into memory, the
// LOADING -> LOADED path when no fresh scan is requested.
func (t *Tree) Hydrate(ctx context.Context) error {
	recs, err := t.nodes.All(ctx)
	if err != nil {
		return fmt.Errorf("cachemgr: hydrate: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range recs {
		id := node.SPID{Device: t.device, Node: r.NodeUID}
		n := r.ToNode(id)
		t.byUID[r.NodeUID] = n
		if r.HasParent {
			t.childrenBy[r.ParentUID] = append(t.childrenBy[r.ParentUID], r.NodeUID)
		} else {
			t.rootUID = r.NodeUID
		}
	}
	t.rebuildPathIndexLocked()
	return nil
}

func (t *Tree) rebuildPathIndexLocked() {
	t.pathToUID = make(map[string]node.UID, len(t.byUID))
	var walk func(uid node.UID, path string)
	walk = func(uid node.UID, path string) {
		t.pathToUID[path] = uid
		for _, child := range t.childrenBy[uid] {
			n, ok := t.byUID[child]
			if !ok {
				continue
			}
			walk(child, filepath.Join(path, n.Name()))
		}
	}
	if t.rootUID != 0 {
		walk(t.rootUID, t.root)
	}
}

// ApplyLocalEvent folds a localscan.Event into the tree: resolving or
// allocating a UID, persisting via the store, updating in-memory
// indexes, marking ancestor DirMeta dirty, and publishing NodeUpserted /
// NodeRemoved.
func (t *Tree) ApplyLocalEvent(ctx context.Context, ev localscan.Event) error {
	switch ev.Type {
	case localscan.EventUpsert:
		return t.upsertLocalPath(ctx, ev)
	case localscan.EventRemove:
		return t.removeLocalPath(ctx, ev.Path)
	case localscan.EventRootGone:
		return t.SetState(Failed)
	}
	return nil
}

func (t *Tree) upsertLocalPath(ctx context.Context, ev localscan.Event) error {
	t.mu.Lock()
	uid, existed := t.pathToUID[ev.Path]
	parentPath := filepath.Dir(ev.Path)
	parentUID, hasParent := t.pathToUID[parentPath]
	t.mu.Unlock()

	if !existed {
		newUID, err := t.uids.Next()
		if err != nil {
			return fmt.Errorf("cachemgr: allocate uid: %w", err)
		}
		uid = newUID
	}

	name := filepath.Base(ev.Path)
	id := node.SPID{Device: t.device, Node: uid, SinglePath: ev.Path}

	var n node.Node
	if ev.IsDir {
		n = node.NewLocalDir(id, name, parentUID, node.DirMeta{Dirty: true})
	} else {
		lf := node.NewLocalFile(id, name, parentUID, ev.SizeBytes, ev.ModifyTs)
		lf.ChangeTs = ev.ChangeTs
		n = lf
	}

	rec := store.FromNode(n)
	rec.HasParent = hasParent && ev.Path != t.root
	if err := t.nodes.UpsertBatch(ctx, []store.Record{rec}); err != nil {
		return err
	}

	t.mu.Lock()
	t.byUID[uid] = n
	t.pathToUID[ev.Path] = uid
	if !existed && hasParent {
		t.childrenBy[parentUID] = append(t.childrenBy[parentUID], uid)
	}
	if ev.Path == t.root {
		t.rootUID = uid
	}
	t.markDirtyAncestorsLocked(parentUID)
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeUpserted, Device: t.device, Node: n})
	t.batch.mark(parentUID)
	return nil
}

func (t *Tree) removeLocalPath(ctx context.Context, path string) error {
	t.mu.Lock()
	uid, ok := t.pathToUID[path]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	n := t.byUID[uid]
	parentUID, _ := n.ParentUID()

	// Children-before-parent ordering (spec §5, §8): recurse first.
	children := append([]node.UID(nil), t.childrenBy[uid]...)
	t.mu.Unlock()

	for _, childUID := range children {
		if childNode, ok := t.byUID[childUID]; ok {
			if err := t.removeLocalPath(ctx, filepath.Join(path, childNode.Name())); err != nil {
				return err
			}
		}
	}

	if err := t.nodes.RemoveBatch(ctx, []node.UID{uid}); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.byUID, uid)
	delete(t.pathToUID, path)
	delete(t.childrenBy, uid)
	siblings := t.childrenBy[parentUID]
	for i, s := range siblings {
		if s == uid {
			t.childrenBy[parentUID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	t.markDirtyAncestorsLocked(parentUID)
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeRemoved, Device: t.device, RemovedUID: uid})
	t.batch.mark(parentUID)
	return nil
}

// RemovePlanningNode drops a ContainerNode reserved by ReservePath directly
// from the store and in-memory tree, bypassing the executor entirely. Used
// only at startup, when cancel_all_pending_ops_on_startup discards a batch
// before the executor has run and the reserved destination never became a
// real node (spec §4.H).
func (t *Tree) RemovePlanningNode(ctx context.Context, uid node.UID) error {
	path, ok := t.PathOf(uid)
	if !ok {
		return nil
	}
	return t.removeLocalPath(ctx, path)
}

// markDirtyAncestorsLocked marks uid and every ancestor's DirMeta dirty,
// per spec §3's "stale metas are allowed but must be marked dirty."
// Caller must hold t.mu.
func (t *Tree) markDirtyAncestorsLocked(uid node.UID) {
	for {
		n, ok := t.byUID[uid]
		if !ok {
			return
		}
		switch v := n.(type) {
		case *node.LocalDir:
			v.Meta.Dirty = true
		case *node.GDriveFolder:
			v.Meta.Dirty = true
		case *node.ContainerNode:
			v.Meta.Dirty = true
		}
		parent, ok := n.ParentUID()
		if !ok {
			return
		}
		uid = parent
	}
}

// CachedSignature reports the last-known (size, modify_ts, md5, sha256)
// for a local file UID, in the shape backend/signature.Lookup wants, so
// the per-device Worker can skip rehashing files whose metadata already
// matches (spec §4.D laziness). It reports false for a file with no
// recorded hash yet.
func (t *Tree) CachedSignature(uid node.UID) (signature.Cached, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lf, ok := t.byUID[uid].(*node.LocalFile)
	if !ok || (lf.MD5 == "" && lf.SHA256 == "") {
		return signature.Cached{}, false
	}
	return signature.Cached{SizeBytes: lf.SizeBytes, ModifyTs: lf.ModifyTs, MD5: lf.MD5, SHA256: lf.SHA256}, true
}

// ApplySignature records a computed hash pair against uid, persisting it
// via the store and publishing NodeUpserted so RPC-side listeners pick up
// the change. A no-op if uid is no longer a local file (removed or
// replaced by a rescan between the request and the result).
func (t *Tree) ApplySignature(ctx context.Context, uid node.UID, md5, sha256sum string) error {
	t.mu.Lock()
	lf, ok := t.byUID[uid].(*node.LocalFile)
	if !ok {
		t.mu.Unlock()
		return nil
	}
	updated := *lf
	updated.MD5, updated.SHA256 = md5, sha256sum
	t.mu.Unlock()

	rec := store.FromNode(&updated)
	_, rec.HasParent = updated.ParentUID()
	if err := t.nodes.UpsertBatch(ctx, []store.Record{rec}); err != nil {
		return err
	}

	t.mu.Lock()
	t.byUID[uid] = &updated
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeUpserted, Device: t.device, Node: &updated})
	return nil
}

// DirMetaFor returns uid's DirMeta, recomputing bottom-up first if dirty
// (spec §4.G2's lazy aggregation).
func (t *Tree) DirMetaFor(uid node.UID) (node.DirMeta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirMetaForLocked(uid)
}

func (t *Tree) dirMetaForLocked(uid node.UID) (node.DirMeta, bool) {
	n, ok := t.byUID[uid]
	if !ok {
		return node.DirMeta{}, false
	}

	dirty := func() (*node.DirMeta, bool) {
		switch v := n.(type) {
		case *node.LocalDir:
			return &v.Meta, v.Meta.Dirty
		case *node.GDriveFolder:
			return &v.Meta, v.Meta.Dirty
		case *node.ContainerNode:
			return &v.Meta, v.Meta.Dirty
		}
		return nil, false
	}
	meta, isDirty := dirty()
	if meta == nil {
		return node.DirMeta{}, false
	}
	if !isDirty {
		return *meta, true
	}

	agg := node.DirMeta{}
	for _, child := range t.childrenBy[uid] {
		cn, ok := t.byUID[child]
		if !ok {
			continue
		}
		if cn.IsDir() {
			childMeta, _ := t.dirMetaForLocked(child)
			agg.Add(childMeta)
			if cn.Trashed() != node.NotTrashed {
				agg.TrashedDirs++
			} else {
				agg.DirCount++
			}
		} else {
			size := int64(0)
			if lf, ok := cn.(*node.LocalFile); ok {
				size = lf.SizeBytes
			}
			if cn.Trashed() != node.NotTrashed {
				agg.TrashedFiles++
				agg.TrashedBytes += size
			} else {
				agg.FileCount++
				agg.SizeBytes += size
			}
		}
	}
	agg.Dirty = false
	*meta = agg
	return agg, true
}

// Node looks up a node by UID.
func (t *Tree) Node(uid node.UID) (node.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byUID[uid]
	return n, ok
}

// Children returns the UIDs of uid's children.
func (t *Tree) Children(uid node.UID) []node.UID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]node.UID(nil), t.childrenBy[uid]...)
}

// UIDForPath resolves a local path to its UID, if known.
func (t *Tree) UIDForPath(path string) (node.UID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	uid, ok := t.pathToUID[path]
	return uid, ok
}

// PathOf is UIDForPath's inverse, used by the executor (component I) to
// turn a UserOp's node_uid into a filesystem path to operate on.
func (t *Tree) PathOf(uid node.UID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for path, u := range t.pathToUID {
		if u == uid {
			return path, true
		}
	}
	return "", false
}

// Device returns the device this tree is mounted for.
func (t *Tree) Device() node.DeviceUID { return t.device }

// IsAncestorUID satisfies backend/opgraph's Locator: it walks
// descendant's parent chain looking for ancestor, the "by path-ancestor
// relation" half of spec §4.H's edge rule 1 (a directory op must precede
// any op touching something beneath it, even without a direct UID match).
func (t *Tree) IsAncestorUID(ancestor, descendant node.UID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	uid := descendant
	for {
		n, ok := t.byUID[uid]
		if !ok {
			return false
		}
		parent, ok := n.ParentUID()
		if !ok {
			return false
		}
		if parent == ancestor {
			return true
		}
		uid = parent
	}
}

// ReservePath allocates a fresh UID and registers a planning node
// (is_live=false, spec's ContainerNode) at parentUID/name, so an op
// batch (built by the RPC facade's diff/merge handlers) has a resolvable
// destination UID/path before the executor has actually created
// anything on disk or in the cloud. The executor turns this into a real
// node by MKDIR/CP/MV upserting over the same UID once it runs.
func (t *Tree) ReservePath(ctx context.Context, parentUID node.UID, name string) (node.UID, error) {
	parentPath, ok := t.PathOf(parentUID)
	if !ok {
		return 0, fmt.Errorf("cachemgr: reserve path: unknown parent %d", parentUID)
	}

	uid, err := t.uids.Next()
	if err != nil {
		return 0, fmt.Errorf("cachemgr: reserve path: allocate uid: %w", err)
	}
	path := filepath.Join(parentPath, name)
	id := node.SPID{Device: t.device, Node: uid, SinglePath: path}
	n := node.NewContainerNode(id, name, parentUID)

	if err := t.nodes.UpsertBatch(ctx, []store.Record{store.FromNode(n)}); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.byUID[uid] = n
	t.pathToUID[path] = uid
	t.childrenBy[parentUID] = append(t.childrenBy[parentUID], uid)
	t.markDirtyAncestorsLocked(parentUID)
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeUpserted, Device: t.device, Node: n})
	return uid, nil
}

// EstablishCloudRoot mints the synthetic folder node representing a
// cloud device's remote root, the analogue of a local Tree's first
// ApplyLocalEvent(root) call. rclone's fs/walk reports every other entry
// relative to this root ("." and "" both resolve to it), so
// ApplyCloudSnapshot can treat top-level entries the same way nested
// ones are treated via ParentPaths. A no-op if the root is already set.
func (t *Tree) EstablishCloudRoot(ctx context.Context, friendlyName string) error {
	t.mu.Lock()
	if t.rootUID != 0 {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	uid, err := t.uids.Next()
	if err != nil {
		return fmt.Errorf("cachemgr: allocate root uid: %w", err)
	}
	id := node.SPID{Device: t.device, Node: uid, SinglePath: t.root}
	n := node.NewGDriveFolder(id, friendlyName, true, node.NotTrashed, nil, node.DirMeta{Dirty: true})

	rec := store.FromNode(n)
	rec.HasParent = false
	if err := t.nodes.UpsertBatch(ctx, []store.Record{rec}); err != nil {
		return err
	}

	t.mu.Lock()
	t.byUID[uid] = n
	t.rootUID = uid
	t.pathToUID["."] = uid
	t.pathToUID[""] = uid
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeUpserted, Device: t.device, Node: n})
	return nil
}

// ApplyCloudSnapshot folds a full recursive listing from
// backend/clouddrive.Driver.SnapshotList into the tree: entries are
// processed shallowest-first so a child's ParentPaths already resolve to
// UIDs by the time it's visited, matching the "children after parents"
// ordering ApplyLocalEvent's removal path enforces in the other
// direction. Any previously-known node whose remote path is absent from
// this snapshot is treated as removed — spec §4.F's "initial load: full
// listing" is a replace, not a merge.
func (t *Tree) ApplyCloudSnapshot(ctx context.Context, entries []clouddrive.Entry) error {
	sorted := append([]clouddrive.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.Count(sorted[i].Path, "/") < strings.Count(sorted[j].Path, "/")
	})

	seen := make(map[string]bool, len(sorted))
	var recs []store.Record
	for _, e := range sorted {
		uid, err := t.applyCloudEntry(ctx, e)
		if err != nil {
			return err
		}
		seen[e.Path] = true
		if n, ok := t.Node(uid); ok {
			recs = append(recs, store.FromNode(n))
		}
	}

	t.mu.Lock()
	var stale []node.UID
	for path, uid := range t.pathToUID {
		if uid == t.rootUID {
			continue
		}
		if !seen[path] {
			stale = append(stale, uid)
		}
	}
	t.mu.Unlock()

	for _, uid := range stale {
		if path, ok := t.PathOf(uid); ok {
			if err := t.RemoveCloudPath(ctx, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyCloudEntry upserts a single refreshed cloud entry, the
// incremental-poll counterpart of ApplyCloudSnapshot's full-listing
// replace — used when a change feed names one changed path instead of
// forcing a whole-remote relist.
func (t *Tree) ApplyCloudEntry(ctx context.Context, e clouddrive.Entry) error {
	_, err := t.applyCloudEntry(ctx, e)
	return err
}

// RemoveCloudPath deletes a cloud-remote path (and everything beneath
// it) from the tree, for a change feed entry that named a path since
// deleted.
func (t *Tree) RemoveCloudPath(ctx context.Context, path string) error {
	return t.removeLocalPath(ctx, path)
}

func (t *Tree) applyCloudEntry(ctx context.Context, e clouddrive.Entry) (node.UID, error) {
	t.mu.RLock()
	uid, existed := t.pathToUID[e.Path]
	t.mu.RUnlock()

	if !existed {
		if rec, ok, err := t.nodes.GetByGoogID(ctx, e.GoogID); err != nil {
			return 0, err
		} else if ok {
			uid, existed = rec.NodeUID, true
		}
	}
	if !existed {
		newUID, err := t.uids.Next()
		if err != nil {
			return 0, fmt.Errorf("cachemgr: allocate uid: %w", err)
		}
		uid = newUID
	}

	var parentUIDs []node.UID
	for _, pp := range e.ParentPaths {
		if pu, ok := t.UIDForPath(pp); ok {
			parentUIDs = append(parentUIDs, pu)
		}
	}
	if len(parentUIDs) == 0 {
		if pu, ok := t.UIDForPath(path.Dir(e.Path)); ok {
			parentUIDs = append(parentUIDs, pu)
		}
	}

	var id node.Identifier
	if len(parentUIDs) > 1 {
		id = node.MPID{Device: t.device, Node: uid, Equivalents: e.ParentPaths}
	} else {
		id = node.SPID{Device: t.device, Node: uid, SinglePath: e.Path}
	}

	var n node.Node
	if e.IsDir {
		n = node.NewGDriveFolder(id, e.Name, true, node.NotTrashed, parentUIDs, node.DirMeta{Dirty: true})
	} else {
		gf := node.NewGDriveFile(id, e.Name, true, node.NotTrashed, parentUIDs)
		gf.SizeBytes, gf.MD5, gf.SHA256, gf.GoogID = e.SizeBytes, e.MD5, e.SHA256, e.GoogID
		gf.MimeTypeUID = e.MimeTypeUID
		gf.ModifyTs = time.Unix(e.ModifyTs, 0).UTC()
		n = gf
	}
	if folder, ok := n.(*node.GDriveFolder); ok {
		folder.GoogID = e.GoogID
	}

	rec := store.FromNode(n)
	rec.HasParent = len(parentUIDs) > 0
	if err := t.nodes.UpsertBatch(ctx, []store.Record{rec}); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.byUID[uid] = n
	t.pathToUID[e.Path] = uid
	for _, parentUID := range parentUIDs {
		if !containsUID(t.childrenBy[parentUID], uid) {
			t.childrenBy[parentUID] = append(t.childrenBy[parentUID], uid)
		}
		t.markDirtyAncestorsLocked(parentUID)
	}
	t.mu.Unlock()

	t.bus.Publish(Event{Type: NodeUpserted, Device: t.device, Node: n})
	return uid, nil
}

func containsUID(list []node.UID, uid node.UID) bool {
	for _, v := range list {
		if v == uid {
			return true
		}
	}
	return false
}

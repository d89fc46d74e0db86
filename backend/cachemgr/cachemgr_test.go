package cachemgr

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/store"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

func newTestTree(t *testing.T, device node.DeviceUID, root string) (*Tree, *Bus) {
	t.Helper()
	nodes, err := store.OpenNodeStore(filepath.Join(t.TempDir(), "nodes.db"), device)
	require.NoError(t, err)
	t.Cleanup(func() { nodes.Close() })

	uids, err := uidalloc.Open(filepath.Join(t.TempDir(), "uid.bolt"), device, 10)
	require.NoError(t, err)
	t.Cleanup(func() { uids.Close() })

	bus := NewBus()
	return NewTree(device, root, nodes, uids, bus), bus
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	tree, _ := newTestTree(t, 1, "/tmp/root")
	require.NoError(t, tree.SetState(Loading))
	err := tree.SetState(Refreshing) // must go through Loaded first
	assert.Error(t, err)
}

func TestStateMachineAllowsFullLifecycle(t *testing.T) {
	tree, _ := newTestTree(t, 1, "/tmp/root")
	require.NoError(t, tree.SetState(Loading))
	require.NoError(t, tree.SetState(Loaded))
	require.NoError(t, tree.SetState(Refreshing))
	require.NoError(t, tree.SetState(Loaded))
}

func TestAnyStateCanFail(t *testing.T) {
	tree, _ := newTestTree(t, 1, "/tmp/root")
	require.NoError(t, tree.SetState(Failed))
}

func TestApplyLocalEventUpsertAndRemove(t *testing.T) {
	tree, bus := newTestTree(t, 1, "/root")
	sub, unsub := bus.Subscribe()
	defer unsub()
	ctx := context.Background()

	// Establish root first so the file's parent resolves.
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root", IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{
		Type: localscan.EventUpsert, Path: "/root/a.txt", SizeBytes: 5, ModifyTs: time.Now(),
	}))

	uid, ok := tree.UIDForPath("/root/a.txt")
	require.True(t, ok)
	n, ok := tree.Node(uid)
	require.True(t, ok)
	assert.Equal(t, "a.txt", n.Name())

	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventRemove, Path: "/root/a.txt"}))
	_, ok = tree.UIDForPath("/root/a.txt")
	assert.False(t, ok)

	var sawUpsert, sawRemove bool
	for i := 0; i < 4; i++ {
		select {
		case ev := <-sub:
			if ev.Type == NodeUpserted {
				sawUpsert = true
			}
			if ev.Type == NodeRemoved {
				sawRemove = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.True(t, sawUpsert)
	assert.True(t, sawRemove)
}

func TestDirMetaRecomputesWhenDirty(t *testing.T) {
	tree, _ := newTestTree(t, 1, "/root")
	ctx := context.Background()

	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root", IsDir: true}))
	rootUID, ok := tree.UIDForPath("/root")
	require.True(t, ok)

	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root/a.txt", SizeBytes: 10}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root/b.txt", SizeBytes: 20}))

	meta, ok := tree.DirMetaFor(rootUID)
	require.True(t, ok)
	assert.Equal(t, int64(2), meta.FileCount)
	assert.Equal(t, int64(30), meta.SizeBytes)
}

func TestRemoveOrdersChildrenBeforeParent(t *testing.T) {
	tree, bus := newTestTree(t, 1, "/root")
	sub, unsub := bus.Subscribe()
	defer unsub()
	ctx := context.Background()

	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root", IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root/sub", IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root/sub/leaf.txt", SizeBytes: 1}))

	// Drain the upsert events before triggering removal.
	drainAll(sub)

	subUID, ok := tree.UIDForPath("/root/sub")
	require.True(t, ok)
	leafUID, ok := tree.UIDForPath("/root/sub/leaf.txt")
	require.True(t, ok)

	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventRemove, Path: "/root/sub"}))

	var order []node.UID
	for i := 0; i < 4; i++ {
		select {
		case ev := <-sub:
			if ev.Type == NodeRemoved {
				order = append(order, ev.RemovedUID)
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	require.Len(t, order, 2)
	assert.Equal(t, []node.UID{leafUID, subUID}, order)
}

func drainAll(ch <-chan Event) {
	for {
		select {
		case <-ch:
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

func TestBatcherCoalescesBursts(t *testing.T) {
	var fired []node.UID
	var mu = make(chan struct{}, 1)
	b := newBatcher(20*time.Millisecond, func(subtree node.UID) {
		fired = append(fired, subtree)
		select {
		case mu <- struct{}{}:
		default:
		}
	})

	b.mark(1)
	b.mark(1)
	b.mark(1)

	select {
	case <-mu:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("batcher never fired")
	}
	assert.Equal(t, []node.UID{1}, fired)
}

func TestManagerRequestDisplayTreeHydratesAndScans(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.txt"), []byte("content"), 0o644))

	nodes, err := store.OpenNodeStore(filepath.Join(t.TempDir(), "nodes.db"), 1)
	require.NoError(t, err)
	defer nodes.Close()
	uids, err := uidalloc.Open(filepath.Join(t.TempDir(), "uid.bolt"), 1, 10)
	require.NoError(t, err)
	defer uids.Close()

	log := logging.New(logging.Error, "text", io.Discard)
	m := NewManager(log)
	defer m.Stop()

	tree := NewTree(1, root, nodes, uids, m.Bus())
	m.Mount(tree)

	require.NoError(t, m.RequestDisplayTree(context.Background(), 1, true))
	assert.Equal(t, Loaded, tree.State())

	_, ok := tree.UIDForPath(filepath.Join(root, "x.txt"))
	assert.True(t, ok)
}

func TestTreeApplySignatureRoundTrip(t *testing.T) {
	root := t.TempDir()
	tree, _ := newTestTree(t, 1, root)
	ctx := context.Background()
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: root, IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: filepath.Join(root, "a.txt"), SizeBytes: 5}))

	uid, ok := tree.UIDForPath(filepath.Join(root, "a.txt"))
	require.True(t, ok)

	_, ok = tree.CachedSignature(uid)
	assert.False(t, ok, "no signature computed yet")

	require.NoError(t, tree.ApplySignature(ctx, uid, "d41d8cd98f00b204e9800998ecf8427e", "deadbeef"))

	cached, ok := tree.CachedSignature(uid)
	require.True(t, ok)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", cached.MD5)
	assert.Equal(t, "deadbeef", cached.SHA256)
	assert.Equal(t, int64(5), cached.SizeBytes)
}

func TestTreeIsAncestorUID(t *testing.T) {
	root := t.TempDir()
	tree, _ := newTestTree(t, 1, root)
	ctx := context.Background()
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: root, IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: filepath.Join(root, "sub"), IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: filepath.Join(root, "sub", "leaf.txt"), SizeBytes: 1}))

	rootUID, _ := tree.UIDForPath(root)
	subUID, _ := tree.UIDForPath(filepath.Join(root, "sub"))
	leafUID, _ := tree.UIDForPath(filepath.Join(root, "sub", "leaf.txt"))

	assert.True(t, tree.IsAncestorUID(rootUID, leafUID))
	assert.True(t, tree.IsAncestorUID(subUID, leafUID))
	assert.False(t, tree.IsAncestorUID(leafUID, subUID))
	assert.False(t, tree.IsAncestorUID(subUID, rootUID))
}

func TestTreeApplyCloudSnapshotAddsAndRemoves(t *testing.T) {
	tree, _ := newTestTree(t, 1, "gdrive:")
	ctx := context.Background()
	require.NoError(t, tree.EstablishCloudRoot(ctx, "My Drive"))

	entries := []clouddrive.Entry{
		{Path: "notes", Name: "notes", IsDir: true, GoogID: "folder-1"},
		{Path: "notes/a.txt", Name: "a.txt", GoogID: "file-1", SizeBytes: 10, ParentPaths: []string{"notes"}},
	}
	require.NoError(t, tree.ApplyCloudSnapshot(ctx, entries))

	dirUID, ok := tree.UIDForPath("notes")
	require.True(t, ok)
	fileUID, ok := tree.UIDForPath("notes/a.txt")
	require.True(t, ok)
	gf, ok := tree.Node(fileUID)
	require.True(t, ok)
	assert.Equal(t, "file-1", gf.(*node.GDriveFile).GoogID)
	assert.Contains(t, tree.Children(dirUID), fileUID)

	// A second, narrower snapshot drops a.txt.
	require.NoError(t, tree.ApplyCloudSnapshot(ctx, []clouddrive.Entry{
		{Path: "notes", Name: "notes", IsDir: true, GoogID: "folder-1"},
	}))
	_, ok = tree.UIDForPath("notes/a.txt")
	assert.False(t, ok)
}

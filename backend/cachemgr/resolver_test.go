package cachemgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
)

func newTestManager(t *testing.T, device node.DeviceUID, root string) (*Manager, *Tree) {
	t.Helper()
	log := logging.New(logging.Error, "text", os.Stderr)
	manager := NewManager(log)
	tree, _ := newTestTree(t, device, root)
	manager.Mount(tree)
	return manager, tree
}

func TestResolverLocalPathRoundTrip(t *testing.T) {
	root := "/root"
	manager, tree := newTestManager(t, 1, root)
	ctx := context.Background()
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: root, IsDir: true}))
	require.NoError(t, tree.ApplyLocalEvent(ctx, localscan.Event{Type: localscan.EventUpsert, Path: filepath.Join(root, "a.txt"), SizeBytes: 3}))

	uid, ok := tree.UIDForPath(filepath.Join(root, "a.txt"))
	require.True(t, ok)

	r := NewResolver(manager)
	path, ok := r.LocalPath(1, uid)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a.txt"), path)
}

func TestResolverIsCloudReflectsMount(t *testing.T) {
	manager, _ := newTestManager(t, 1, "/root")
	r := NewResolver(manager)
	assert.False(t, r.IsCloud(1))

	r.MountCloudDrive(1, nil)
	assert.True(t, r.IsCloud(1))
	_, ok := r.CloudDriver(1)
	assert.True(t, ok)
}

func TestResolverNotifyMutatedUpsertsAndRemoves(t *testing.T) {
	dir := t.TempDir()
	manager, tree := newTestManager(t, 1, dir)
	ctx := context.Background()
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: dir, IsDir: true}))

	r := NewResolver(manager)
	filePath := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o644))

	r.NotifyMutated(1, filePath)
	uid, ok := tree.UIDForPath(filePath)
	require.True(t, ok)
	n, ok := tree.Node(uid)
	require.True(t, ok)
	assert.False(t, n.IsDir())

	require.NoError(t, os.Remove(filePath))
	r.NotifyMutated(1, filePath)
	_, ok = tree.UIDForPath(filePath)
	assert.False(t, ok)
}

func TestResolverNotifyMutatedSkipsCloudDevices(t *testing.T) {
	manager, tree := newTestManager(t, 1, "/root")
	ctx := context.Background()
	require.NoError(t, tree.upsertLocalPath(ctx, localscan.Event{Type: localscan.EventUpsert, Path: "/root", IsDir: true}))

	r := NewResolver(manager)
	r.MountCloudDrive(1, nil)
	// A device with a cloud drive mounted is skipped before any local
	// stat, so the remote-relative path never enters the tree.
	r.NotifyMutated(1, "some/remote/relative/path")
	_, ok := tree.UIDForPath("some/remote/relative/path")
	assert.False(t, ok)
}

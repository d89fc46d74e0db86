package localscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanEmitsUpsertForNewFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0600))

	events, err := Scan(context.Background(), root, Snapshot{})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventUpsert, events[0].Type)
	assert.Equal(t, filepath.Join(root, "a.txt"), events[0].Path)
}

func TestScanEmitsRemoveForVanishedCachedEntry(t *testing.T) {
	root := t.TempDir()
	gone := filepath.Join(root, "gone.txt")

	snapshot := Snapshot{gone: {SizeBytes: 5}}
	events, err := Scan(context.Background(), root, snapshot)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventRemove, events[0].Type)
	assert.Equal(t, gone, events[0].Path)
}

func TestScanSkipsUnchangedEntries(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "same.txt")
	require.NoError(t, os.WriteFile(path, []byte("stable"), 0600))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	snapshot := Snapshot{path: {SizeBytes: fi.Size(), ModifyTs: fi.ModTime(), ChangeTs: changeTimeOf(fi)}}

	events, err := Scan(context.Background(), root, snapshot)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScanMissingRootEmitsRootGone(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")

	events, err := Scan(context.Background(), root, Snapshot{"whatever": {}})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventRootGone, events[0].Type)
}

func TestScanRecursesIntoSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("x"), 0600))

	events, err := Scan(context.Background(), root, Snapshot{})
	require.NoError(t, err)

	var sawDir, sawFile bool
	for _, e := range events {
		if e.Path == sub && e.IsDir {
			sawDir = true
		}
		if e.Path == filepath.Join(sub, "nested.txt") && !e.IsDir {
			sawFile = true
		}
	}
	assert.True(t, sawDir)
	assert.True(t, sawFile)
}

func TestScanFollowsSymlinkAsFileNotDir(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "realdir")
	require.NoError(t, os.Mkdir(target, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(target, "in.txt"), []byte("y"), 0600))

	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	events, err := Scan(context.Background(), root, Snapshot{})
	require.NoError(t, err)

	for _, e := range events {
		if e.Path == link {
			assert.False(t, e.IsDir, "symlink to a dir must be treated as a file, never recursed into")
		}
	}
}

package clouddrive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/rclone/rclone/backend/local"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/logging"
)

// These tests exercise Driver against rclone's local backend (no network
// required) since it satisfies the same fs.Fs interface a cloud backend
// would — the normalization and listing logic is backend-agnostic.

func TestSnapshotListNormalizesLocalEntries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0600))

	d, err := Open(context.Background(), 1, root, nil)
	require.NoError(t, err)

	entries, err := d.SnapshotList(context.Background())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Path)
	}
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub")
	assert.Contains(t, names, filepath.ToSlash(filepath.Join("sub", "b.txt")))
}

func TestNewObjectResolvesSinglePath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.txt"), []byte("x"), 0600))

	d, err := Open(context.Background(), 1, root, nil)
	require.NoError(t, err)

	entry, ok, err := d.NewObject(context.Background(), "one.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.SizeBytes)
}

func TestNewObjectMissingReturnsFalse(t *testing.T) {
	root := t.TempDir()
	d, err := Open(context.Background(), 1, root, nil)
	require.NoError(t, err)

	_, ok, err := d.NewObject(context.Background(), "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsRateLimitedDetectsCommonPhrasing(t *testing.T) {
	assert.True(t, IsRateLimited(errString("googleapi: Error 429: rate limit exceeded")))
	assert.True(t, IsRateLimited(errString("too many requests")))
	assert.False(t, IsRateLimited(errString("permission denied")))
	assert.False(t, IsRateLimited(nil))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestPollerSkipsWatcherWithoutChangeNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.db")
	log := logging.New(logging.Error, "text", io.Discard)
	p, err := NewPoller(path, log)
	require.NoError(t, err)
	defer p.Close()

	root := t.TempDir()
	d, err := Open(context.Background(), 1, root, nil)
	require.NoError(t, err)

	// local backend never supports ChangeNotify, so EnsureWatcher is a
	// deliberate no-op here; the poller should not crash or record state.
	p.EnsureWatcher(d)
	assert.False(t, p.ShouldPollIncrementally(root))
}

package signature

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestHashesNewFile(t *testing.T) {
	path := writeTempFile(t, "hello world")
	log := logging.New(logging.Error, "text", io.Discard)

	lookup := func(node.UID) (Cached, bool) { return Cached{}, false }
	w := New(log, lookup, 1<<20, 10*time.Millisecond)
	defer w.Stop()

	w.Submit(Request{UID: 1, Path: path, SizeBytes: 11, ModifyTs: time.Now()})
	res := <-w.Results()

	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.MD5)
	assert.NotEmpty(t, res.SHA256)
}

func TestSkipsUnchangedSizeAndModifyTs(t *testing.T) {
	path := writeTempFile(t, "unchanged")
	log := logging.New(logging.Error, "text", io.Discard)
	mt := time.Now()

	lookup := func(node.UID) (Cached, bool) {
		return Cached{SizeBytes: 9, ModifyTs: mt, MD5: "cached-md5", SHA256: "cached-sha"}, true
	}
	w := New(log, lookup, 1<<20, 10*time.Millisecond)
	defer w.Stop()

	w.Submit(Request{UID: 2, Path: path, SizeBytes: 9, ModifyTs: mt})
	res := <-w.Results()

	require.NoError(t, res.Err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "cached-md5", res.MD5)
}

func TestRehashesWhenModifyTsDiffers(t *testing.T) {
	path := writeTempFile(t, "changed content")
	log := logging.New(logging.Error, "text", io.Discard)

	lookup := func(node.UID) (Cached, bool) {
		return Cached{SizeBytes: 15, ModifyTs: time.Now().Add(-time.Hour), MD5: "stale"}, true
	}
	w := New(log, lookup, 1<<20, 10*time.Millisecond)
	defer w.Stop()

	w.Submit(Request{UID: 3, Path: path, SizeBytes: 15, ModifyTs: time.Now()})
	res := <-w.Results()

	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.NotEqual(t, "stale", res.MD5)
}

func TestPropagatesReadError(t *testing.T) {
	log := logging.New(logging.Error, "text", io.Discard)
	lookup := func(node.UID) (Cached, bool) { return Cached{}, false }
	w := New(log, lookup, 1<<20, 10*time.Millisecond)
	defer w.Stop()

	w.Submit(Request{UID: 4, Path: filepath.Join(t.TempDir(), "missing"), SizeBytes: 1})
	res := <-w.Results()
	require.Error(t, res.Err)
}

func TestHashFileMatchesKnownDigest(t *testing.T) {
	path := writeTempFile(t, "abc")
	md5sum, sha256sum, err := hashFile(path)
	require.NoError(t, err)
	assert.Len(t, md5sum, 32)
	assert.Len(t, sha256sum, 64)

	// Re-hashing the identical bytes must be stable.
	md5sum2, sha256sum2, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, md5sum, md5sum2)
	assert.Equal(t, sha256sum, sha256sum2)
}


package uidalloc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/node"
)

func TestNextIsMonotonic(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uid.bolt")
	a, err := Open(dbPath, node.DeviceUID(1), 4)
	require.NoError(t, err)
	defer a.Close()

	var last node.UID
	for i := 0; i < 20; i++ {
		uid, err := a.Next()
		require.NoError(t, err)
		assert.Greater(t, uid, last)
		last = uid
	}
}

func TestNoReuseAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uid.bolt")
	device := node.DeviceUID(7)

	a1, err := Open(dbPath, device, 4)
	require.NoError(t, err)
	var lastBeforeRestart node.UID
	for i := 0; i < 3; i++ {
		lastBeforeRestart, err = a1.Next()
		require.NoError(t, err)
	}
	require.NoError(t, a1.Close())

	a2, err := Open(dbPath, device, 4)
	require.NoError(t, err)
	defer a2.Close()

	next, err := a2.Next()
	require.NoError(t, err)
	assert.Greater(t, next, lastBeforeRestart)
}

func TestSeparateDevicesDoNotShareSequence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uid.bolt")
	a1, err := Open(dbPath, node.DeviceUID(1), 4)
	require.NoError(t, err)
	first1, err := a1.Next()
	require.NoError(t, err)
	// bbolt holds an exclusive file lock per open handle, so the second
	// device's allocator can only open the file once the first is closed.
	require.NoError(t, a1.Close())

	a2, err := Open(dbPath, node.DeviceUID(2), 4)
	require.NoError(t, err)
	defer a2.Close()

	first2, err := a2.Next()
	require.NoError(t, err)
	assert.Equal(t, first1, first2, "each device starts its own sequence at 1")
}

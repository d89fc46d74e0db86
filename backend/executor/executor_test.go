package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

const testDevice node.DeviceUID = 1

type fakeResolver struct {
	paths map[node.UID]string
}

func (f *fakeResolver) LocalPath(device node.DeviceUID, uid node.UID) (string, bool) {
	p, ok := f.paths[uid]
	return p, ok
}
func (f *fakeResolver) CloudPath(device node.DeviceUID, uid node.UID) (string, string, bool) {
	return "", "", false
}
func (f *fakeResolver) IsCloud(device node.DeviceUID) bool { return false }
func (f *fakeResolver) CloudDriver(device node.DeviceUID) (*clouddrive.Driver, bool) {
	return nil, false
}

type fakeNotifier struct{ notified []string }

func (n *fakeNotifier) NotifyMutated(device node.DeviceUID, path string) {
	n.notified = append(n.notified, path)
}

func newTestExecutor(t *testing.T, resolver *fakeResolver, notifier *fakeNotifier) (*Executor, *opgraph.Graph) {
	t.Helper()
	g, err := opgraph.Open(context.Background(), filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	log := logging.New(logging.Error, "text", os.Stderr)
	return New(log, g, resolver, notifier, Options{UpdateMetaForDstNodes: true, IsSecondsPrecisionEnough: true}), g
}

func runOneOp(t *testing.T, e *Executor, g *opgraph.Graph, op opgraph.UserOp) opgraph.OpState {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.AppendBatch(ctx, g.NextBatchUID(), []opgraph.UserOp{op}))
	e.drain(ctx)
	// re-fetch state via ReadySet exhaustion proxy: query BatchState.
	for i := 0; i < 20; i++ {
		done, _ := g.BatchState(op.BatchUID)
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
		e.drain(ctx)
	}
	_, failed := g.BatchState(op.BatchUID)
	if failed {
		return opgraph.StateFailed
	}
	return opgraph.StateCompleted
}

func TestMkdirIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dst := filepath.Join(root, "newdir")
	resolver := &fakeResolver{paths: map[node.UID]string{10: dst}}
	notifier := &fakeNotifier{}
	e, g := newTestExecutor(t, resolver, notifier)

	state := runOneOp(t, e, g, opgraph.UserOp{OpUID: 1, Type: opgraph.OpMKDIR, DstNode: 10, HasDst: true, DstDevice: testDevice})
	assert.Equal(t, opgraph.StateCompleted, state)
	fi, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	// Second MKDIR of the same existing directory must still succeed.
	state = runOneOp(t, e, g, opgraph.UserOp{OpUID: 2, Type: opgraph.OpMKDIR, DstNode: 10, HasDst: true, DstDevice: testDevice})
	assert.Equal(t, opgraph.StateCompleted, state)
}

func TestLocalCopyStagesAndRenames(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	dst := filepath.Join(root, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	resolver := &fakeResolver{paths: map[node.UID]string{1: src, 2: dst}}
	notifier := &fakeNotifier{}
	e, g := newTestExecutor(t, resolver, notifier)

	state := runOneOp(t, e, g, opgraph.UserOp{
		OpUID: 1, Type: opgraph.OpCP, SrcNode: 1, DstNode: 2, HasDst: true,
		SrcDevice: testDevice, DstDevice: testDevice,
	})
	assert.Equal(t, opgraph.StateCompleted, state)

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assert.Contains(t, notifier.notified, dst)

	// No stray staging file left behind.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".stage-")
	}
}

func TestLocalMoveRenamesWithinFilesystem(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.txt")
	dst := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	resolver := &fakeResolver{paths: map[node.UID]string{1: src, 2: dst}}
	e, g := newTestExecutor(t, resolver, &fakeNotifier{})

	state := runOneOp(t, e, g, opgraph.UserOp{
		OpUID: 1, Type: opgraph.OpMV, SrcNode: 1, DstNode: 2, HasDst: true,
		SrcDevice: testDevice, DstDevice: testDevice,
	})
	assert.Equal(t, opgraph.StateCompleted, state)
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dst)
	assert.NoError(t, err)
}

func TestLocalRemoveIsIdempotent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	resolver := &fakeResolver{paths: map[node.UID]string{1: target}}
	e, g := newTestExecutor(t, resolver, &fakeNotifier{})

	state := runOneOp(t, e, g, opgraph.UserOp{OpUID: 1, Type: opgraph.OpRM, SrcNode: 1, SrcDevice: testDevice})
	assert.Equal(t, opgraph.StateCompleted, state)
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))

	// Removing an already-gone path is not a failure.
	state = runOneOp(t, e, g, opgraph.UserOp{OpUID: 2, Type: opgraph.OpRM, SrcNode: 1, SrcDevice: testDevice})
	assert.Equal(t, opgraph.StateCompleted, state)
}

func TestLocalCopyOfMissingSourceFails(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{paths: map[node.UID]string{
		1: filepath.Join(root, "nope.txt"),
		2: filepath.Join(root, "dst.txt"),
	}}
	e, g := newTestExecutor(t, resolver, &fakeNotifier{})

	state := runOneOp(t, e, g, opgraph.UserOp{
		OpUID: 1, Type: opgraph.OpCP, SrcNode: 1, DstNode: 2, HasDst: true,
		SrcDevice: testDevice, DstDevice: testDevice,
	})
	assert.Equal(t, opgraph.StateFailed, state)
}

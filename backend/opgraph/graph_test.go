package opgraph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/node"
)

func openTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Open(context.Background(), filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestAppendBatchAndReadySet(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()

	err := g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMV, SrcNode: 7, HasDst: true, DstNode: 8, DstPath: "/b/x.txt"},
	})
	require.NoError(t, err)

	ready := g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(1), ready[0].OpUID)
}

func TestSecondOpTouchingSameNodeDependsOnFirst(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()

	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMV, SrcNode: 7, HasDst: true, DstNode: 8, DstPath: "/b/x.txt"},
		{OpUID: 2, Type: OpRM, SrcNode: 7},
	}))

	ready := g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(1), ready[0].OpUID)

	require.NoError(t, g.MarkCompleted(ctx, 1))
	ready = g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(2), ready[0].OpUID)
}

func TestMVDependsOnAncestorMKDIR(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()

	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMKDIR, SrcNode: 0, HasDst: true, DstNode: 20, DstPath: "/a/new"},
		{OpUID: 2, Type: OpMV, SrcNode: 5, HasDst: true, DstNode: 0, DstPath: "/a/new/x.txt"},
	}))

	ready := g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(1), ready[0].OpUID)
}

type directedAncestorLocator struct{ parent, child node.UID }

func (l directedAncestorLocator) IsAncestorUID(ancestor, descendant node.UID) bool {
	return ancestor == l.parent && descendant == l.child
}

func TestDirRMDependsOnDescendantRMRegardlessOfAliasDirection(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()
	g.SetLocator(directedAncestorLocator{parent: 1, child: 2})

	// deleteGUIDs submits the child's RM before the parent directory's own
	// RM; the DAG, not this ordering, must be what keeps the parent's
	// NODE_REMOVED from firing first.
	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpRM, SrcNode: 2},
		{OpUID: 2, Type: OpRM, SrcNode: 1},
	}))

	ready := g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(1), ready[0].OpUID)

	require.NoError(t, g.MarkCompleted(ctx, 1))
	ready = g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(2), ready[0].OpUID)
}

func TestAppendBatchRejectsExplicitCycle(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()

	// Two CPs, each copying onto the other's source, with a stub locator
	// that reports mutual ancestry between UIDs 100 and 200 to force a
	// genuine cycle.
	g.SetLocator(mutualAncestorLocator{a: 100, b: 200})
	err := g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpCP, SrcNode: 100, HasDst: true, DstNode: 200},
		{OpUID: 2, Type: OpCP, SrcNode: 200, HasDst: true, DstNode: 100},
	})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)
	assert.Empty(t, g.ReadySet())
}

type mutualAncestorLocator struct{ a, b node.UID }

func (l mutualAncestorLocator) IsAncestorUID(ancestor, descendant node.UID) bool {
	return (ancestor == l.a && descendant == l.b) || (ancestor == l.b && descendant == l.a)
}

func TestMarkFailedPoisonsDescendants(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()

	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMV, SrcNode: 7, HasDst: true, DstNode: 8},
		{OpUID: 2, Type: OpRM, SrcNode: 7},
	}))

	require.NoError(t, g.MarkFailed(ctx, 1, assert.AnError))

	done, failed := g.BatchState(batch)
	assert.True(t, done)
	assert.True(t, failed)
	assert.Empty(t, g.ReadySet())
}

func TestReadySetOrdersFIFOWithinBatchFCFSAcrossBatches(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	b1 := g.NextBatchUID()
	b2 := g.NextBatchUID()

	require.NoError(t, g.AppendBatch(ctx, b1, []UserOp{
		{OpUID: 1, Type: OpRM, SrcNode: 1},
		{OpUID: 2, Type: OpRM, SrcNode: 2},
	}))
	require.NoError(t, g.AppendBatch(ctx, b2, []UserOp{
		{OpUID: 3, Type: OpRM, SrcNode: 3},
	}))

	ready := g.ReadySet()
	require.Len(t, ready, 3)
	assert.Equal(t, OpUID(1), ready[0].OpUID)
	assert.Equal(t, OpUID(2), ready[1].OpUID)
	assert.Equal(t, OpUID(3), ready[2].OpUID)
}

func TestPullMarksInProgressAndRemovesFromReady(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()
	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{{OpUID: 1, Type: OpRM, SrcNode: 1}}))

	op, ok := g.Pull()
	require.True(t, ok)
	assert.Equal(t, StateInProgress, op.State)
	assert.Empty(t, g.ReadySet())

	_, ok = g.Pull()
	assert.False(t, ok)
}

func TestIdempotentReplayByOpUID(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()
	op := UserOp{OpUID: 1, Type: OpRM, SrcNode: 1}

	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{op}))
	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{op}))

	assert.Len(t, g.ReadySet(), 1)
}

func TestRestoreLoadsPendingOpsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.db")
	ctx := context.Background()

	g1, err := Open(ctx, path)
	require.NoError(t, err)
	batch := g1.NextBatchUID()
	require.NoError(t, g1.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMKDIR, HasDst: true, DstNode: 5, DstPath: "/a/new"},
		{OpUID: 2, Type: OpCP, SrcNode: 9, HasDst: true, DstNode: 0, DstPath: "/a/new/x"},
	}))
	require.NoError(t, g1.Close())

	g2, err := Open(ctx, path)
	require.NoError(t, err)
	defer g2.Close()

	ready := g2.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, OpUID(1), ready[0].OpUID)
}

func TestCancelAllPendingArchivesAndReturnsPlanningNodes(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	batch := g.NextBatchUID()
	require.NoError(t, g.AppendBatch(ctx, batch, []UserOp{
		{OpUID: 1, Type: OpMKDIR, HasDst: true, DstNode: 5, DstPath: "/a/new"},
	}))

	planning, err := g.CancelAllPending(ctx)
	require.NoError(t, err)
	assert.Contains(t, planning, node.UID(5))
	assert.Empty(t, g.ReadySet())
}

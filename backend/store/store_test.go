package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/node"
)

func openTestStore(t *testing.T) *NodeStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.db")
	s, err := OpenNodeStore(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{NodeUID: 10, Kind: node.KindLocalFile, Name: "a.txt", ParentUID: 1, HasParent: true, SizeBytes: 42}
	require.NoError(t, s.UpsertBatch(ctx, []Record{rec}))

	got, ok, err := s.GetByUID(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.txt", got.Name)
	assert.Equal(t, int64(42), got.SizeBytes)
}

func TestNameUniquenessPerParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Record{NodeUID: 1, Kind: node.KindLocalFile, Name: "dup.txt", ParentUID: 100, HasParent: true}
	second := Record{NodeUID: 2, Kind: node.KindLocalFile, Name: "dup.txt", ParentUID: 100, HasParent: true}

	require.NoError(t, s.UpsertBatch(ctx, []Record{first}))
	err := s.UpsertBatch(ctx, []Record{second})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrecondition, apperrors.Classify(err))
}

func TestTrashedSiblingsMayShareName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	live := Record{NodeUID: 1, Kind: node.KindLocalFile, Name: "old.txt", ParentUID: 100, HasParent: true, Trashed: node.NotTrashed}
	trashed := Record{NodeUID: 2, Kind: node.KindLocalFile, Name: "old.txt", ParentUID: 100, HasParent: true, Trashed: node.ExplicitlyTrashed}

	require.NoError(t, s.UpsertBatch(ctx, []Record{live}))
	require.NoError(t, s.UpsertBatch(ctx, []Record{trashed}))
}

func TestRemoveBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{NodeUID: 5, Kind: node.KindLocalDir, Name: "dir", ParentUID: 1, HasParent: true}
	require.NoError(t, s.UpsertBatch(ctx, []Record{rec}))

	require.NoError(t, s.RemoveBatch(ctx, []node.UID{5}))

	_, ok, err := s.GetByUID(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiParentEdgesPersist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		NodeUID: 20, Kind: node.KindGDriveFile, Name: "shared.doc",
		ParentUID: 100, HasParent: true, ParentUIDs: []node.UID{100, 200}, GoogID: "g1",
	}
	require.NoError(t, s.UpsertBatch(ctx, []Record{rec}))

	got, ok, err := s.GetByUID(ctx, 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []node.UID{100, 200}, got.ParentUIDs)
}

func TestChildrenSortedByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []Record{
		{NodeUID: 1, Kind: node.KindLocalFile, Name: "zeta.txt", ParentUID: 999, HasParent: true},
		{NodeUID: 2, Kind: node.KindLocalFile, Name: "alpha.txt", ParentUID: 999, HasParent: true},
	}))

	children, err := s.Children(ctx, 999)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "alpha.txt", children[0].Name)
	assert.Equal(t, "zeta.txt", children[1].Name)
}

func TestGetByGoogID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{NodeUID: 30, Kind: node.KindGDriveFile, Name: "doc", GoogID: "abc123"}
	require.NoError(t, s.UpsertBatch(ctx, []Record{rec}))

	got, ok, err := s.GetByGoogID(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, node.UID(30), got.NodeUID)
}

package rpcproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

func spid(dev node.DeviceUID, uid node.UID, path string) node.SPID {
	return node.SPID{Device: dev, Node: uid, SinglePath: path}
}

func TestFromNodeLocalFile(t *testing.T) {
	id := spid(1, 7, "/root/a.txt")
	n := node.NewLocalFile(id, "a.txt", 3, 128, time.Time{})
	dto := FromNode(id, n, nil)

	assert.Equal(t, "a.txt", dto.Name)
	assert.Equal(t, "LOCAL_FILE", dto.Kind)
	assert.False(t, dto.IsDir)
	assert.Equal(t, "NOT_TRASHED", dto.Trashed)
	assert.EqualValues(t, 3, dto.ParentUID)
	assert.True(t, dto.HasParent)
	assert.EqualValues(t, 128, dto.SizeBytes)
	assert.Nil(t, dto.DirMeta)
	assert.Equal(t, id.GUID(), dto.Identifier.GUID)
}

func TestFromNodeWithDirMeta(t *testing.T) {
	id := spid(1, 8, "/root/sub")
	n := node.NewLocalDir(id, "sub", 3, node.DirMeta{})
	meta := node.DirMeta{FileCount: 2, SizeBytes: 64}
	dto := FromNode(id, n, &meta)

	assert.Equal(t, "LOCAL_DIR", dto.Kind)
	assert.True(t, dto.IsDir)
	if assert.NotNil(t, dto.DirMeta) {
		assert.EqualValues(t, 2, dto.DirMeta.FileCount)
		assert.EqualValues(t, 64, dto.DirMeta.SizeBytes)
	}
}

func TestFromUserOp(t *testing.T) {
	op := opgraph.UserOp{
		OpUID: 5, BatchUID: 1, Type: opgraph.OpMV,
		SrcNode: 10, SrcDevice: 1, DstNode: 20, DstDevice: 1,
		HasDst: true, DstPath: "/root/dst/a.txt",
	}
	dto := FromUserOp(op)
	assert.EqualValues(t, 5, dto.OpUID)
	assert.Equal(t, "MV", dto.OpType)
	assert.True(t, dto.HasDst)
	assert.Equal(t, "/root/dst/a.txt", dto.DstPath)
}

func TestFilterCriteriaMatchesTrashedHiddenByDefault(t *testing.T) {
	id := spid(1, 1, "/root/a.txt")
	base := node.NewLocalFile(id, "a.txt", 0, 10, time.Time{})
	trashed := base.WithTrashed(node.ExplicitlyTrashed)

	var f FilterCriteria
	assert.False(t, f.Matches(trashed, 10))

	f.Trashed = TrashedShown
	assert.True(t, f.Matches(trashed, 10))

	f.Trashed = TrashedOnly
	assert.False(t, f.Matches(base, 10))
}

func TestFilterCriteriaNameGlob(t *testing.T) {
	id := spid(1, 1, "/root/report.csv")
	n := node.NewLocalFile(id, "report.csv", 0, 10, time.Time{})

	f := FilterCriteria{Trashed: TrashedShown, NameGlob: "*.csv"}
	assert.True(t, f.Matches(n, 10))

	f.NameGlob = "*.txt"
	assert.False(t, f.Matches(n, 10))
}

func TestFilterCriteriaSizeBounds(t *testing.T) {
	id := spid(1, 1, "/root/a.txt")
	n := node.NewLocalFile(id, "a.txt", 0, 10, time.Time{})

	f := FilterCriteria{Trashed: TrashedShown, MinSizeBytes: 100}
	assert.False(t, f.Matches(n, 10))

	f = FilterCriteria{Trashed: TrashedShown, MaxSizeBytes: 5}
	assert.False(t, f.Matches(n, 10))

	f = FilterCriteria{Trashed: TrashedShown, MinSizeBytes: 1, MaxSizeBytes: 100}
	assert.True(t, f.Matches(n, 10))
}

func TestFilterCriteriaSizeBoundsIgnoredForDirs(t *testing.T) {
	id := spid(1, 1, "/root/sub")
	n := node.NewLocalDir(id, "sub", 0, node.DirMeta{})

	f := FilterCriteria{Trashed: TrashedShown, MinSizeBytes: 1000}
	assert.True(t, f.Matches(n, 0))
}

func TestSigIntString(t *testing.T) {
	assert.Equal(t, "NODE_UPSERTED", SigNodeUpserted.String())
	assert.Equal(t, "UNKNOWN", SigInt(999).String())
}

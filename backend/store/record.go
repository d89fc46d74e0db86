package store

import (
	"time"

	"github.com/nsdrive/syncagent/backend/node"
)

// Record is the flat row shape nodes are persisted as. Store never builds
// a node.Node itself — path assembly requires walking the in-memory tree,
// which is the cache manager's job (spec §4.B's "arena + UID" separation:
// a stored node never embeds a pointer to another node, so neither does
// its row). ToNode/FromNode convert between a Record and a live node.Node
// once the caller supplies the Identifier.
type Record struct {
	NodeUID       node.UID
	Kind          node.Kind
	Name          string
	ParentUID     node.UID
	HasParent     bool
	ParentUIDs    []node.UID // all parents, for multi-parented cloud nodes
	IsLive        bool
	Trashed       node.TrashedState
	SizeBytes     int64
	CreateTs      time.Time
	ModifyTs      time.Time
	ChangeTs      time.Time
	SyncTs        time.Time
	MD5           string
	SHA256        string
	GoogID        string
	OwnerUID      node.UID
	DriveID       string
	Version       int64
	MimeTypeUID   uint32
	AllChildren   bool
	Meta          node.DirMeta
}

// FromNode flattens a node.Node into a Record ready for persistence.
func FromNode(n node.Node) Record {
	r := Record{
		NodeUID: n.Identifier().NodeUID(),
		Kind:    n.Kind(),
		Name:    n.Name(),
		IsLive:  n.IsLive(),
		Trashed: n.Trashed(),
	}
	if pu, ok := n.ParentUID(); ok {
		r.ParentUID = pu
		r.HasParent = true
		r.ParentUIDs = []node.UID{pu}
	}

	v := &recordVisitor{rec: &r}
	n.Accept(v)
	return r
}

type recordVisitor struct{ rec *Record }

func (v *recordVisitor) VisitLocalDir(n *node.LocalDir) {
	v.rec.Meta = n.Meta
	v.rec.CreateTs, v.rec.ModifyTs, v.rec.ChangeTs = n.CreateTs, n.ModifyTs, n.ChangeTs
	v.rec.AllChildren = n.AllChildren
}

func (v *recordVisitor) VisitLocalFile(n *node.LocalFile) {
	v.rec.SizeBytes = n.SizeBytes
	v.rec.SyncTs, v.rec.ModifyTs, v.rec.ChangeTs, v.rec.CreateTs = n.SyncTs, n.ModifyTs, n.ChangeTs, n.CreateTs
	v.rec.MD5, v.rec.SHA256 = n.MD5, n.SHA256
}

func (v *recordVisitor) VisitGDriveFile(n *node.GDriveFile) {
	v.rec.SizeBytes = n.SizeBytes
	v.rec.SyncTs, v.rec.ModifyTs, v.rec.CreateTs = n.SyncTs, n.ModifyTs, n.CreateTs
	v.rec.MD5, v.rec.SHA256 = n.MD5, n.SHA256
	v.rec.GoogID, v.rec.OwnerUID, v.rec.DriveID = n.GoogID, n.OwnerUID, n.DriveID
	v.rec.Version, v.rec.MimeTypeUID = n.Version, n.MimeTypeUID
	if len(n.ParentUIDs) > 0 {
		v.rec.ParentUIDs = n.ParentUIDs
		v.rec.ParentUID = n.ParentUIDs[0]
		v.rec.HasParent = true
	}
}

func (v *recordVisitor) VisitGDriveFolder(n *node.GDriveFolder) {
	v.rec.Meta = n.Meta
	v.rec.GoogID, v.rec.OwnerUID, v.rec.DriveID = n.GoogID, n.OwnerUID, n.DriveID
	v.rec.AllChildren = n.AllChildren
	if len(n.ParentUIDs) > 0 {
		v.rec.ParentUIDs = n.ParentUIDs
		v.rec.ParentUID = n.ParentUIDs[0]
		v.rec.HasParent = true
	}
}

func (v *recordVisitor) VisitContainer(n *node.ContainerNode)       { v.rec.Meta = n.Meta }
func (v *recordVisitor) VisitCategory(n *node.CategoryNode)         {}
func (v *recordVisitor) VisitRootType(n *node.RootTypeNode)         {}
func (v *recordVisitor) VisitNonexistentDir(n *node.NonexistentDir) {}

// ToNode rebuilds a node.Node from a Record, given the Identifier the
// caller has already assembled (typically a SPID with the path resolved
// from the in-memory tree, or an MPID for a multi-parented cloud node).
func (r Record) ToNode(id node.Identifier) node.Node {
	switch r.Kind {
	case node.KindLocalDir:
		n := node.NewLocalDir(id, r.Name, r.ParentUID, r.Meta)
		n.CreateTs, n.ModifyTs, n.ChangeTs = r.CreateTs, r.ModifyTs, r.ChangeTs
		n.AllChildren = r.AllChildren
		return n.WithTrashed(r.Trashed)
	case node.KindLocalFile:
		n := node.NewLocalFile(id, r.Name, r.ParentUID, r.SizeBytes, r.ModifyTs)
		n.SyncTs, n.ChangeTs, n.CreateTs = r.SyncTs, r.ChangeTs, r.CreateTs
		n.MD5, n.SHA256 = r.MD5, r.SHA256
		return n.WithTrashed(r.Trashed)
	case node.KindGDriveFile:
		n := node.NewGDriveFile(id, r.Name, r.IsLive, r.Trashed, r.ParentUIDs)
		n.SizeBytes, n.SyncTs, n.ModifyTs, n.CreateTs = r.SizeBytes, r.SyncTs, r.ModifyTs, r.CreateTs
		n.MD5, n.SHA256, n.GoogID = r.MD5, r.SHA256, r.GoogID
		n.OwnerUID, n.DriveID, n.Version, n.MimeTypeUID = r.OwnerUID, r.DriveID, r.Version, r.MimeTypeUID
		return n
	case node.KindGDriveFolder:
		n := node.NewGDriveFolder(id, r.Name, r.IsLive, r.Trashed, r.ParentUIDs, r.Meta)
		n.GoogID, n.OwnerUID, n.DriveID, n.AllChildren = r.GoogID, r.OwnerUID, r.DriveID, r.AllChildren
		return n
	default:
		return node.NewContainerNode(id, r.Name, r.ParentUID)
	}
}

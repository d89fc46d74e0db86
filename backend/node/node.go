package node

import (
	"time"

	"github.com/dustin/go-humanize"
)

// TrashedState mirrors spec §3: a node's trash status is tracked
// separately from liveness so a scan can distinguish "the user deleted
// this" from "the drive vendor implicitly trashed this via an ancestor".
type TrashedState int

const (
	NotTrashed TrashedState = iota
	ImplicitlyTrashed
	ExplicitlyTrashed
)

// Kind tags which concrete Node variant a value holds. Used for the
// op_type × node_type dispatch spec §9 calls for instead of virtual
// method dispatch.
type Kind int

const (
	KindLocalDir Kind = iota
	KindLocalFile
	KindGDriveFile
	KindGDriveFolder
	KindContainer
	KindCategory
	KindRootType
	KindNonexistentDir
)

// DirMeta is the lazily-maintained aggregate of a directory's children,
// per spec §3: "sum of its children's metas; stale metas are allowed but
// must be marked dirty and refreshed before being served."
type DirMeta struct {
	FileCount    int64
	DirCount     int64
	TrashedFiles int64
	TrashedDirs  int64
	SizeBytes    int64
	TrashedBytes int64
	Dirty        bool
}

// Add accumulates a child's contribution into this aggregate.
func (m *DirMeta) Add(child DirMeta) {
	m.FileCount += child.FileCount
	m.DirCount += child.DirCount
	m.TrashedFiles += child.TrashedFiles
	m.TrashedDirs += child.TrashedDirs
	m.SizeBytes += child.SizeBytes
	m.TrashedBytes += child.TrashedBytes
}

// String renders human-readable sizes for logs and RPC stats payloads.
func (m DirMeta) String() string {
	return humanize.Bytes(uint64(m.SizeBytes)) + " across " + humanize.Comma(m.FileCount+m.DirCount) + " nodes"
}

// Node is the common surface every tagged variant satisfies. Cross-node
// relations are always a UID lookup (spec §9's "arena + UID" note) — a
// Node never embeds a pointer to another Node.
type Node interface {
	Identifier() Identifier
	Kind() Kind
	IsDir() bool
	IsLive() bool
	Trashed() TrashedState
	Name() string
	ParentUID() (UID, bool) // local nodes: exactly one; unparented cloud nodes: false
	Accept(v Visitor)
}

// Visitor dispatches on the concrete variant without a class hierarchy —
// spec §9's "tagged variants... dispatch is by op_type × node_type, not
// by virtual methods" made concrete for callers that do need per-kind
// behavior (e.g. the executor picking a driver).
type Visitor interface {
	VisitLocalDir(*LocalDir)
	VisitLocalFile(*LocalFile)
	VisitGDriveFile(*GDriveFile)
	VisitGDriveFolder(*GDriveFolder)
	VisitContainer(*ContainerNode)
	VisitCategory(*CategoryNode)
	VisitRootType(*RootTypeNode)
	VisitNonexistentDir(*NonexistentDir)
}

type base struct {
	ID      Identifier
	Name_   string
	Live    bool
	Trash   TrashedState
	Parent  UID
	HasPar  bool
}

func (b base) Identifier() Identifier      { return b.ID }
func (b base) IsLive() bool                { return b.Live }
func (b base) Trashed() TrashedState       { return b.Trash }
func (b base) Name() string                { return b.Name_ }
func (b base) ParentUID() (UID, bool)      { return b.Parent, b.HasPar }

// LocalDir is a real directory on a local filesystem device.
type LocalDir struct {
	base
	Meta         DirMeta
	CreateTs     time.Time
	ModifyTs     time.Time
	ChangeTs     time.Time
	AllChildren  bool
}

func (*LocalDir) Kind() Kind          { return KindLocalDir }
func (*LocalDir) IsDir() bool         { return true }
func (n *LocalDir) Accept(v Visitor)  { v.VisitLocalDir(n) }

// LocalFile is a real file on a local filesystem device.
type LocalFile struct {
	base
	SizeBytes int64
	SyncTs    time.Time
	ModifyTs  time.Time
	ChangeTs  time.Time
	CreateTs  time.Time
	MD5       string
	SHA256    string
}

func (*LocalFile) Kind() Kind         { return KindLocalFile }
func (*LocalFile) IsDir() bool        { return false }
func (n *LocalFile) Accept(v Visitor) { v.VisitLocalFile(n) }

// GDriveFile is a cloud-drive file. It may have zero parents (trashed) or
// several (multi-parented), hence Identifier() may be an MPID.
type GDriveFile struct {
	base
	SizeBytes  int64
	SyncTs     time.Time
	ModifyTs   time.Time
	CreateTs   time.Time
	MD5        string
	SHA256     string
	GoogID     string
	OwnerUID   UID
	DriveID    string
	ParentUIDs []UID
	Version    int64
	MimeTypeUID uint32
}

func (*GDriveFile) Kind() Kind         { return KindGDriveFile }
func (*GDriveFile) IsDir() bool        { return false }
func (n *GDriveFile) Accept(v Visitor) { v.VisitGDriveFile(n) }

// GDriveFolder is a cloud-drive folder.
type GDriveFolder struct {
	base
	Meta        DirMeta
	GoogID      string
	OwnerUID    UID
	DriveID     string
	ParentUIDs  []UID
	AllChildren bool
}

func (*GDriveFolder) Kind() Kind         { return KindGDriveFolder }
func (*GDriveFolder) IsDir() bool        { return true }
func (n *GDriveFolder) Accept(v Visitor) { v.VisitGDriveFolder(n) }

// ContainerNode is a synthetic planning node: a directory the op graph
// needs to reference before it exists on the backing store (spec's
// "planning node", is_live=false).
type ContainerNode struct {
	base
	Meta DirMeta
}

func (*ContainerNode) Kind() Kind         { return KindContainer }
func (*ContainerNode) IsDir() bool        { return true }
func (n *ContainerNode) Accept(v Visitor) { v.VisitContainer(n) }

// CategoryNode groups a diff tree's display rows (added/removed/moved/etc)
// — a synthetic, non-persisted display-only node.
type CategoryNode struct {
	base
}

func (*CategoryNode) Kind() Kind         { return KindCategory }
func (*CategoryNode) IsDir() bool        { return true }
func (n *CategoryNode) Accept(v Visitor) { v.VisitCategory(n) }

// RootTypeNode roots a display tree at "the whole cloud drive" or
// "the whole local disk" grouping level, above any single device root.
type RootTypeNode struct {
	base
}

func (*RootTypeNode) Kind() Kind         { return KindRootType }
func (*RootTypeNode) IsDir() bool        { return true }
func (n *RootTypeNode) Accept(v Visitor) { v.VisitRootType(n) }

// NonexistentDir represents a configured root whose path is currently
// absent from disk — spec §4.E's ROOT_GONE case gets a concrete node so
// the display tree still has something to show.
type NonexistentDir struct {
	base
}

func (*NonexistentDir) Kind() Kind         { return KindNonexistentDir }
func (*NonexistentDir) IsDir() bool        { return true }
func (n *NonexistentDir) Accept(v Visitor) { v.VisitNonexistentDir(n) }

// NewLocalDir constructs a live local directory node.
func NewLocalDir(id Identifier, name string, parent UID, meta DirMeta) *LocalDir {
	return &LocalDir{base: base{ID: id, Name_: name, Live: true, Parent: parent, HasPar: true}, Meta: meta}
}

// NewLocalFile constructs a live local file node.
func NewLocalFile(id Identifier, name string, parent UID, size int64, modifyTs time.Time) *LocalFile {
	return &LocalFile{base: base{ID: id, Name_: name, Live: true, Parent: parent, HasPar: true}, SizeBytes: size, ModifyTs: modifyTs}
}

// NewContainerNode constructs a planning (is_live=false) directory node.
func NewContainerNode(id Identifier, name string, parent UID) *ContainerNode {
	return &ContainerNode{base: base{ID: id, Name_: name, Live: false, Parent: parent, HasPar: true}}
}

// NewGDriveFile constructs a cloud file node. parentUIDs may be empty for
// an orphaned/trashed node, or have more than one entry for a
// multi-parented node — in the latter case id is expected to be an MPID.
func NewGDriveFile(id Identifier, name string, live bool, trashed TrashedState, parentUIDs []UID) *GDriveFile {
	n := &GDriveFile{base: base{ID: id, Name_: name, Live: live, Trash: trashed}, ParentUIDs: parentUIDs}
	if len(parentUIDs) > 0 {
		n.Parent, n.HasPar = parentUIDs[0], true
	}
	return n
}

// NewGDriveFolder constructs a cloud folder node, same parent-linking
// rule as NewGDriveFile.
func NewGDriveFolder(id Identifier, name string, live bool, trashed TrashedState, parentUIDs []UID, meta DirMeta) *GDriveFolder {
	n := &GDriveFolder{base: base{ID: id, Name_: name, Live: live, Trash: trashed}, ParentUIDs: parentUIDs, Meta: meta}
	if len(parentUIDs) > 0 {
		n.Parent, n.HasPar = parentUIDs[0], true
	}
	return n
}

// WithTrashed returns a copy of n with a different NotTrashed/Implicitly/
// ExplicitlyTrashed state, used when a scan discovers a trash-state
// transition without otherwise touching the node's content.
func (n *LocalDir) WithTrashed(t TrashedState) *LocalDir  { c := *n; c.Trash = t; return &c }
func (n *LocalFile) WithTrashed(t TrashedState) *LocalFile { c := *n; c.Trash = t; return &c }

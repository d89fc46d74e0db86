// Package node defines the tagged node model and identifier variants
// shared by every cache, scanner, and RPC-facing component in the agent.
package node

import "fmt"

// UID is a process-wide, per-device identifier for a node. Never reused.
type UID uint32

// DeviceUID identifies a mounted root tree (a "device" in the spec sense:
// a local filesystem or a cloud-drive account/folder).
type DeviceUID uint32

// PathUID disambiguates among the paths of a multi-parented node.
type PathUID uint32

// TreeType identifies the kind of backing store a Device represents.
type TreeType int

const (
	TreeTypeLocal TreeType = iota
	TreeTypeGDrive
)

func (t TreeType) String() string {
	switch t {
	case TreeTypeLocal:
		return "LOCAL"
	case TreeTypeGDrive:
		return "GDRIVE"
	default:
		return "UNKNOWN"
	}
}

// Identifier is the tagged union described in spec §3: a SPID fixes
// exactly one path, an MPID carries every equivalent path a multi-parented
// cloud node may have.
type Identifier interface {
	DeviceUID() DeviceUID
	NodeUID() UID
	// Paths returns every path this identifier resolves to. A SPID
	// returns exactly one; an MPID returns all of its equivalent parents.
	Paths() []string
	// GUID is the only handle the RPC surface exposes to clients.
	GUID() string
	isIdentifier()
}

// SPID is a Single-Path IDentifier: local nodes and any cloud node
// currently viewed through one particular parent use this variant.
type SPID struct {
	Device     DeviceUID
	Node       UID
	Path       PathUID
	SinglePath string
	// ParentGUID is optional context carried for display-tree purposes;
	// it is not part of identity or equality.
	ParentGUID string
}

func (s SPID) DeviceUID() DeviceUID { return s.Device }
func (s SPID) NodeUID() UID         { return s.Node }
func (s SPID) Paths() []string      { return []string{s.SinglePath} }
func (s SPID) GUID() string {
	return fmt.Sprintf("%d:%d:%d", s.Device, s.Node, s.Path)
}
func (SPID) isIdentifier() {}

// MPID is a Multi-Path IDentifier: a cloud node with more than one parent
// carries every equivalent path here instead of picking one.
type MPID struct {
	Device      DeviceUID
	Node        UID
	Equivalents []string
}

func (m MPID) DeviceUID() DeviceUID { return m.Device }
func (m MPID) NodeUID() UID         { return m.Node }
func (m MPID) Paths() []string      { return m.Equivalents }
func (m MPID) GUID() string {
	return fmt.Sprintf("%d:%d", m.Device, m.Node)
}
func (MPID) isIdentifier() {}

// Equal reports whether two identifiers name the same node: identity is
// (device_uid, node_uid) only, per spec §4.B — path variance never
// affects equality.
func Equal(a, b Identifier) bool {
	return a.DeviceUID() == b.DeviceUID() && a.NodeUID() == b.NodeUID()
}

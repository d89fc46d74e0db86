// Package opgraph is the UserOp dependency DAG and scheduler, component
// H: a durable directed acyclic multigraph whose nodes are pending
// mutations and whose edges are "must-precede" relations, grounded on
// original_source/outlet/be/exec/user_op/op_graph.py's dependency rules
// (no teacher file matches — the wails app has no op-graph concept of
// its own) and deliberately simplified per this repo's own read of that
// module: icon-update propagation is dropped, and adopter/relinking is
// reduced to the edge rules dependsOnLocked states rather than the
// original's full node-relinking generality.
package opgraph

import (
	"time"

	"github.com/nsdrive/syncagent/backend/node"
)

// OpType is one of the mutation kinds a UserOp can carry.
type OpType int

const (
	OpMKDIR OpType = iota
	OpCP
	OpMV
	OpRM
	OpCPOnto
	OpMVOnto
)

func (t OpType) String() string {
	switch t {
	case OpMKDIR:
		return "MKDIR"
	case OpCP:
		return "CP"
	case OpMV:
		return "MV"
	case OpRM:
		return "RM"
	case OpCPOnto:
		return "CP_ONTO"
	case OpMVOnto:
		return "MV_ONTO"
	default:
		return "UNKNOWN"
	}
}

// OpState is a UserOp's lifecycle position.
type OpState int

const (
	StatePending OpState = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateCancelled
	StateBlocked // BLOCKED_BY_FAILURE: a descendant of a FAILED op
)

func (s OpState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateBlocked:
		return "BLOCKED_BY_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// OpUID identifies a UserOp, unique within the graph's lifetime.
type OpUID uint64

// BatchUID identifies the atomically-committed set a UserOp belongs to.
type BatchUID uint64

// UserOp is one pending mutation: `op_uid`, `batch_uid`, `op_type`,
// `src_node`, optional `dst_node`, `create_ts`, and lifecycle state,
// exactly spec §4.H's UserOp shape.
type UserOp struct {
	OpUID    OpUID
	BatchUID BatchUID
	Type     OpType
	SrcNode  node.UID
	DstNode  node.UID // zero value means "no destination"
	HasDst   bool
	DstPath  string // destination path, for ops targeting a not-yet-existing node
	CreateTs time.Time
	State    OpState
	Err      string // set when State == StateFailed or StateBlocked

	// SrcDevice/DstDevice name which mounted device src_node/dst_node
	// belong to. Equal for same-device ops; differ for the cross-device
	// CP/MV scenarios spec §4.H's acceptance tests exercise. The graph
	// itself is device-agnostic (a UserOp's node_uids are only unique
	// within their own device's UID space) — only the executor
	// (component I) interprets these to pick a local or cloud driver.
	SrcDevice node.DeviceUID
	DstDevice node.DeviceUID

	// IsDir tells the executor's cloud driver whether src_node names a
	// directory, since cloud removal needs a Purge vs. DeleteFile choice
	// up front (a local RM instead stats the path itself).
	IsDir bool

	seq int // insertion sequence within its batch, for FIFO-within-batch ordering
}

// affectsUID reports whether op's src or dst aliases uid.
func (op *UserOp) affectsUID(uid node.UID) bool {
	return op.SrcNode == uid || (op.HasDst && op.DstNode == uid)
}

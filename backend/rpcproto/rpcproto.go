// Package rpcproto defines the wire DTOs the RPC facade (component J)
// exchanges with clients: JSON envelopes standing in for the
// protobuf/gRPC contract spec.md explicitly scopes out (SPEC_FULL.md
// §6.1). Every type here is a flat, JSON-tagged copy of an internal
// type — the facade never hands its own node/opgraph types to the
// wire directly, so internal refactors don't ripple into the client
// contract.
package rpcproto

import (
	"path/filepath"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

// NodeIdentifier is the wire form of node.Identifier (spec §3): a GUID
// plus every path it resolves to, flattening the SPID/MPID distinction
// into a single-or-many Paths slice since JSON has no tagged unions.
type NodeIdentifier struct {
	GUID      string   `json:"guid"`
	DeviceUID uint32   `json:"device_uid"`
	NodeUID   uint32   `json:"node_uid"`
	Paths     []string `json:"paths"`
}

// FromIdentifier converts an internal node.Identifier to its wire form.
func FromIdentifier(id node.Identifier) NodeIdentifier {
	return NodeIdentifier{
		GUID:      id.GUID(),
		DeviceUID: uint32(id.DeviceUID()),
		NodeUID:   uint32(id.NodeUID()),
		Paths:     id.Paths(),
	}
}

// DirMetaDTO mirrors node.DirMeta for the wire.
type DirMetaDTO struct {
	FileCount    int64 `json:"file_count"`
	DirCount     int64 `json:"dir_count"`
	TrashedFiles int64 `json:"trashed_files"`
	TrashedDirs  int64 `json:"trashed_dirs"`
	SizeBytes    int64 `json:"size_bytes"`
	TrashedBytes int64 `json:"trashed_bytes"`
	Dirty        bool  `json:"dirty"`
}

func FromDirMeta(m node.DirMeta) DirMetaDTO {
	return DirMetaDTO{
		FileCount: m.FileCount, DirCount: m.DirCount,
		TrashedFiles: m.TrashedFiles, TrashedDirs: m.TrashedDirs,
		SizeBytes: m.SizeBytes, TrashedBytes: m.TrashedBytes, Dirty: m.Dirty,
	}
}

// NodeDTO is the wire row shape returned by every tree-view method
// (get_child_list_for_spid, get_ancestor_list_for_spid, ...).
type NodeDTO struct {
	Identifier NodeIdentifier `json:"identifier"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	IsDir      bool           `json:"is_dir"`
	Trashed    string         `json:"trashed"`
	ParentUID  uint32         `json:"parent_uid,omitempty"`
	HasParent  bool           `json:"has_parent"`
	SizeBytes  int64          `json:"size_bytes,omitempty"`
	DirMeta    *DirMetaDTO    `json:"dir_meta,omitempty"`
}

func kindName(k node.Kind) string {
	switch k {
	case node.KindLocalDir:
		return "LOCAL_DIR"
	case node.KindLocalFile:
		return "LOCAL_FILE"
	case node.KindGDriveFile:
		return "GDRIVE_FILE"
	case node.KindGDriveFolder:
		return "GDRIVE_FOLDER"
	case node.KindContainer:
		return "CONTAINER"
	case node.KindCategory:
		return "CATEGORY"
	case node.KindRootType:
		return "ROOT_TYPE"
	case node.KindNonexistentDir:
		return "NONEXISTENT_DIR"
	default:
		return "UNKNOWN"
	}
}

func trashedName(t node.TrashedState) string {
	switch t {
	case node.NotTrashed:
		return "NOT_TRASHED"
	case node.ImplicitlyTrashed:
		return "IMPLICITLY_TRASHED"
	case node.ExplicitlyTrashed:
		return "EXPLICITLY_TRASHED"
	default:
		return "UNKNOWN"
	}
}

// FromNode converts an internal node.Node (plus the identifier its
// owning Tree resolved) into a NodeDTO.
func FromNode(id node.Identifier, n node.Node, meta *node.DirMeta) NodeDTO {
	dto := NodeDTO{
		Identifier: FromIdentifier(id),
		Name:       n.Name(),
		Kind:       kindName(n.Kind()),
		IsDir:      n.IsDir(),
		Trashed:    trashedName(n.Trashed()),
	}
	if p, ok := n.ParentUID(); ok {
		dto.ParentUID = uint32(p)
		dto.HasParent = true
	}
	if lf, ok := n.(*node.LocalFile); ok {
		dto.SizeBytes = lf.SizeBytes
	}
	if meta != nil {
		m := FromDirMeta(*meta)
		dto.DirMeta = &m
	}
	return dto
}

// SigInt discriminates SignalMsg's oneof-style payload (spec §4.J:
// "every event carries sig_int and sender").
type SigInt int

const (
	SigNodeUpserted SigInt = iota
	SigNodeRemoved
	SigSubtreeNodesChanged
	SigTreeLoadStateUpdated
	SigStatsUpdated
	SigBatchFailed
	SigOpExecPlayStateChanged
	SigError
)

func (s SigInt) String() string {
	switch s {
	case SigNodeUpserted:
		return "NODE_UPSERTED"
	case SigNodeRemoved:
		return "NODE_REMOVED"
	case SigSubtreeNodesChanged:
		return "SUBTREE_NODES_CHANGED"
	case SigTreeLoadStateUpdated:
		return "TREE_LOAD_STATE_UPDATED"
	case SigStatsUpdated:
		return "STATS_UPDATED"
	case SigBatchFailed:
		return "BATCH_FAILED"
	case SigOpExecPlayStateChanged:
		return "OP_EXEC_PLAY_STATE_CHANGED"
	case SigError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SignalMsg is the message shape streamed over subscribe_to_signals and
// posted via send_signal: a sig_int discriminator plus every payload
// field a signal kind might carry, unused ones left zero (JSON's stand-in
// for a oneof, per SPEC_FULL.md §6.1).
type SignalMsg struct {
	SigInt     SigInt      `json:"sig_int"`
	Sender     string      `json:"sender"`
	TreeID     string      `json:"tree_id,omitempty"`
	DeviceUID  uint32      `json:"device_uid,omitempty"`
	Node       *NodeDTO    `json:"node,omitempty"`
	RemovedGUID string     `json:"removed_guid,omitempty"`
	SubtreeGUID string     `json:"subtree_guid,omitempty"`
	State      string      `json:"state,omitempty"`
	Stats      *DirMetaDTO `json:"stats,omitempty"`
	BatchUID   uint64      `json:"batch_uid,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// UserOpDTO is the wire form of an opgraph.UserOp.
type UserOpDTO struct {
	OpUID     uint64 `json:"op_uid"`
	BatchUID  uint64 `json:"batch_uid"`
	OpType    string `json:"op_type"`
	SrcNode   uint32 `json:"src_node"`
	SrcDevice uint32 `json:"src_device"`
	DstNode   uint32 `json:"dst_node,omitempty"`
	DstDevice uint32 `json:"dst_device,omitempty"`
	HasDst    bool   `json:"has_dst"`
	DstPath   string `json:"dst_path,omitempty"`
	State     string `json:"state"`
	Err       string `json:"err,omitempty"`
}

func FromUserOp(op opgraph.UserOp) UserOpDTO {
	return UserOpDTO{
		OpUID: uint64(op.OpUID), BatchUID: uint64(op.BatchUID),
		OpType: op.Type.String(), SrcNode: uint32(op.SrcNode), SrcDevice: uint32(op.SrcDevice),
		DstNode: uint32(op.DstNode), DstDevice: uint32(op.DstDevice), HasDst: op.HasDst,
		DstPath: op.DstPath, State: op.State.String(), Err: op.Err,
	}
}

// BatchDTO is a set of ops submitted atomically (execute_tree_action_list,
// drop_dragged_nodes, delete_subtree, generate_merge_tree all return one).
type BatchDTO struct {
	BatchUID uint64      `json:"batch_uid"`
	Ops      []UserOpDTO `json:"ops"`
}

// TrashedVisibility controls whether a FilterCriteria includes trashed
// nodes in get_child_list_for_spid results.
type TrashedVisibility int

const (
	TrashedHidden TrashedVisibility = iota
	TrashedShown
	TrashedOnly
)

// FilterCriteria is the supplemented get_filter/update_filter shape
// (SPEC_FULL.md §11, grounded on
// original_source/outlet/model/display_tree/filter_criteria.py):
// a name glob, an inclusive size range, and trashed-node visibility.
type FilterCriteria struct {
	NameGlob     string            `json:"name_glob,omitempty"`
	MinSizeBytes int64             `json:"min_size_bytes,omitempty"`
	MaxSizeBytes int64             `json:"max_size_bytes,omitempty"` // 0 means unbounded
	Trashed      TrashedVisibility `json:"trashed"`
}

// Matches reports whether n passes f. name is n.Name() and size is 0 for
// directories (directory sizes come from DirMeta, filtered separately).
func (f FilterCriteria) Matches(n node.Node, size int64) bool {
	switch f.Trashed {
	case TrashedHidden:
		if n.Trashed() != node.NotTrashed {
			return false
		}
	case TrashedOnly:
		if n.Trashed() == node.NotTrashed {
			return false
		}
	}
	if f.NameGlob != "" {
		if ok, err := filepath.Match(f.NameGlob, n.Name()); err != nil || !ok {
			return false
		}
	}
	if !n.IsDir() {
		if f.MinSizeBytes > 0 && size < f.MinSizeBytes {
			return false
		}
		if f.MaxSizeBytes > 0 && size > f.MaxSizeBytes {
			return false
		}
	}
	return true
}

package rpcfacade

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/operations"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
	"github.com/nsdrive/syncagent/backend/rpcproto"
)

// diffResult is one start_diff_trees run: the GUIDs present only on one
// side, or on both with a differing size, grouped the way
// original_source/outlet/backend/diff/task/tree_diff_merge_task.py's
// TreeDiffMergeTask keys its change lists (selected_change_list_left/right
// in generate_merge_tree are GUIDs drawn from exactly these lists).
type diffResult struct {
	LeftOnly  []string `json:"left_only"`
	RightOnly []string `json:"right_only"`
	Differing []string `json:"differing"`
}

type diffStore struct {
	mu      sync.Mutex
	results map[string]diffResult
	next    int
}

func newDiffStore() *diffStore { return &diffStore{results: make(map[string]diffResult)} }

func (d *diffStore) put(r diffResult) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("diff-%d", d.next)
	d.results[id] = r
	return id
}

func (d *diffStore) get(id string) (diffResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[id]
	return r, ok
}

type startDiffTreesRequest struct {
	LeftDeviceUID  uint32 `json:"left_device_uid"`
	LeftNodeUID    uint32 `json:"left_node_uid"`
	RightDeviceUID uint32 `json:"right_device_uid"`
	RightNodeUID   uint32 `json:"right_node_uid"`
}

type startDiffTreesResponse struct {
	DiffID string `json:"diff_id"`
}

// treeReader is the subset of *cachemgr.Tree the diff walk needs, kept
// narrow so it stays trivially testable against a fake.
type treeReader interface {
	PathOf(uid node.UID) (string, bool)
	Node(uid node.UID) (node.Node, bool)
	Children(uid node.UID) []node.UID
}

// fileEntry is one non-dir descendant found by relPathIndex, keyed by
// its path relative to the walk root.
type fileEntry struct {
	UID  node.UID
	Size int64
}

// relPathIndex walks a subtree depth-first and returns rel-path ->
// fileEntry for every non-dir descendant.
func relPathIndex(tree treeReader, root node.UID) map[string]fileEntry {
	out := make(map[string]fileEntry)
	rootPath, ok := tree.PathOf(root)
	if !ok {
		return out
	}
	var walk func(uid node.UID)
	walk = func(uid node.UID) {
		n, ok := tree.Node(uid)
		if !ok {
			return
		}
		if !n.IsDir() {
			if path, ok := tree.PathOf(uid); ok {
				if rel, err := filepath.Rel(rootPath, path); err == nil {
					size := int64(0)
					if lf, ok := n.(*node.LocalFile); ok {
						size = lf.SizeBytes
					}
					out[rel] = fileEntry{UID: uid, Size: size}
				}
			}
		}
		for _, child := range tree.Children(uid) {
			walk(child)
		}
	}
	walk(root)
	return out
}

// handleStartDiffTrees walks both subtrees by relative path under their
// respective roots and buckets every path into left-only, right-only, or
// differing (by size), grounded on TreeDiffMergeTask.do_tree_diff's
// left/right change-list shape but computed synchronously rather than as
// a background task — this agent has no task-priority scheduler for the
// RPC surface to submit onto (component I's executor queue is reserved
// for UserOps).
func (f *Facade) handleStartDiffTrees(w http.ResponseWriter, r *http.Request) {
	var req startDiffTreesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	leftDev, rightDev := node.DeviceUID(req.LeftDeviceUID), node.DeviceUID(req.RightDeviceUID)
	leftTree, ok := f.manager.Tree(leftDev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "left device not mounted", nil)
		return
	}
	rightTree, ok := f.manager.Tree(rightDev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "right device not mounted", nil)
		return
	}

	left := relPathIndex(leftTree, node.UID(req.LeftNodeUID))
	right := relPathIndex(rightTree, node.UID(req.RightNodeUID))

	var res diffResult
	for rel, l := range left {
		r, onRight := right[rel]
		guid := spidGUID(leftDev, l.UID)
		switch {
		case !onRight:
			res.LeftOnly = append(res.LeftOnly, guid)
		case l.Size != r.Size:
			res.Differing = append(res.Differing, guid)
		}
	}
	for rel, rr := range right {
		if _, onLeft := left[rel]; !onLeft {
			res.RightOnly = append(res.RightOnly, spidGUID(rightDev, rr.UID))
		}
	}

	id := f.diffs.put(res)
	writeJSON(w, http.StatusOK, startDiffTreesResponse{DiffID: id})
}

type generateMergeTreeRequest struct {
	DiffID             string   `json:"diff_id"`
	SelectedLeftGUIDs  []string `json:"selected_left_guids"`
	SelectedRightGUIDs []string `json:"selected_right_guids"`
	DstGUID            string   `json:"dst_guid"`
}

// handleGenerateMergeTree turns a caller's selection out of a prior
// start_diff_trees result into one CP batch landing every selected node
// under dst_guid, mirroring generate_merge_tree's role of collapsing a
// two-sided selection into a single op set (TreeDiffMergeTask.generate_merge_tree).
func (f *Facade) handleGenerateMergeTree(w http.ResponseWriter, r *http.Request) {
	var req generateMergeTreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	if _, ok := f.diffs.get(req.DiffID); !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DIFF", "no such diff", nil)
		return
	}
	selected := append(append([]string{}, req.SelectedLeftGUIDs...), req.SelectedRightGUIDs...)
	f.dropGUIDs(r.Context(), w, selected, req.DstGUID, false)
}

// dropGUIDs builds and submits one CP or MV batch moving every node in
// guids under dstGUID, reserving a planning node per source so the
// executor has a resolvable destination path when it later dispatches
// each op (backend/cachemgr.Tree.ReservePath). Grounds on cache_manager.py's
// drop_dragged_nodes, minus its drag-operation/conflict-policy plumbing:
// spec.md's execute_tree_action_list only distinguishes COPY_TO/MOVE_TO.
func (f *Facade) dropGUIDs(ctx context.Context, w http.ResponseWriter, guids []string, dstGUID string, isMove bool) {
	dstDev, dstUID, err := parseGUID(dstGUID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed dst_guid", err)
		return
	}
	dstTree, ok := f.manager.Tree(dstDev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "destination device not mounted", nil)
		return
	}
	graph, ok := f.graphFor(dstDev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "destination device has no op graph", nil)
		return
	}

	opType := opgraph.OpCP
	if isMove {
		opType = opgraph.OpMV
	}

	var ops []opgraph.UserOp
	for _, guid := range guids {
		srcDev, srcUID, err := parseGUID(guid)
		if err != nil {
			continue
		}
		srcTree, ok := f.manager.Tree(srcDev)
		if !ok {
			continue
		}
		srcNode, ok := srcTree.Node(srcUID)
		if !ok {
			continue
		}
		planUID, err := dstTree.ReservePath(ctx, dstUID, srcNode.Name())
		if err != nil {
			writeError(w, http.StatusConflict, "E_RESERVE_FAILED", err.Error(), err)
			return
		}
		dstPath, _ := dstTree.PathOf(planUID)
		ops = append(ops, opgraph.UserOp{
			OpUID:     graph.NextOpUID(),
			Type:      opType,
			SrcNode:   srcUID,
			SrcDevice: srcDev,
			DstNode:   planUID,
			HasDst:    true,
			DstPath:   dstPath,
			DstDevice: dstDev,
			IsDir:     srcNode.IsDir(),
		})
	}
	if len(ops) == 0 {
		writeJSON(w, http.StatusOK, rpcproto.BatchDTO{})
		return
	}

	batch := graph.NextBatchUID()
	if err := graph.AppendBatch(ctx, batch, ops); err != nil {
		writeError(w, http.StatusConflict, "E_BATCH_REJECTED", err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, batchDTOFor(batch, ops))
}

func batchDTOFor(batch opgraph.BatchUID, ops []opgraph.UserOp) rpcproto.BatchDTO {
	dto := rpcproto.BatchDTO{BatchUID: uint64(batch)}
	for _, op := range ops {
		dto.Ops = append(dto.Ops, rpcproto.FromUserOp(op))
	}
	return dto
}

// deleteGUIDs builds and submits an RM batch for every node named in
// guids, expanding directories to their full descendant list first,
// children before their parent — the same expand-then-RM shape as
// cache_manager.py's delete_subtree.
func (f *Facade) deleteGUIDs(ctx context.Context, w http.ResponseWriter, guids []string) {
	byDevice := make(map[node.DeviceUID][]node.UID)
	for _, guid := range guids {
		dev, uid, err := parseGUID(guid)
		if err != nil {
			continue
		}
		byDevice[dev] = append(byDevice[dev], uid)
	}

	var dtoBatches []rpcproto.BatchDTO
	for dev, uids := range byDevice {
		tree, ok := f.manager.Tree(dev)
		if !ok {
			continue
		}
		graph, ok := f.graphFor(dev)
		if !ok {
			continue
		}
		var ops []opgraph.UserOp
		seen := make(map[node.UID]bool)
		var expand func(uid node.UID)
		expand = func(uid node.UID) {
			for _, child := range tree.Children(uid) {
				expand(child)
			}
			if seen[uid] {
				return
			}
			seen[uid] = true
			n, ok := tree.Node(uid)
			if !ok {
				return
			}
			ops = append(ops, opgraph.UserOp{
				OpUID:     graph.NextOpUID(),
				Type:      opgraph.OpRM,
				SrcNode:   uid,
				SrcDevice: dev,
				IsDir:     n.IsDir(),
			})
		}
		for _, uid := range uids {
			expand(uid)
		}
		if len(ops) == 0 {
			continue
		}
		batch := graph.NextBatchUID()
		if err := graph.AppendBatch(ctx, batch, ops); err != nil {
			writeError(w, http.StatusConflict, "E_BATCH_REJECTED", err.Error(), err)
			return
		}
		dtoBatches = append(dtoBatches, batchDTOFor(batch, ops))
	}
	writeJSON(w, http.StatusOK, dtoBatches)
}

type dropDraggedNodesRequest struct {
	SrcGUIDs []string `json:"src_guids"`
	DstGUID  string   `json:"dst_guid"`
	IsMove   bool     `json:"is_move"`
}

func (f *Facade) handleDropDraggedNodes(w http.ResponseWriter, r *http.Request) {
	var req dropDraggedNodesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	f.dropGUIDs(r.Context(), w, req.SrcGUIDs, req.DstGUID, req.IsMove)
}

type deleteSubtreeRequest struct {
	GUIDs []string `json:"guids"`
}

func (f *Facade) handleDeleteSubtree(w http.ResponseWriter, r *http.Request) {
	var req deleteSubtreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	f.deleteGUIDs(r.Context(), w, req.GUIDs)
}

type lastPendingOpRequest struct {
	DeviceUID uint32 `json:"device_uid"`
	NodeUID   uint32 `json:"node_uid"`
}

type lastPendingOpResponse struct {
	Op    *rpcproto.UserOpDTO `json:"op"`
	Found bool                `json:"found"`
}

func (f *Facade) handleGetLastPendingOpForNode(w http.ResponseWriter, r *http.Request) {
	var req lastPendingOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	graph, ok := f.graphFor(node.DeviceUID(req.DeviceUID))
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}
	op, found := graph.LastPendingOpForNode(node.UID(req.NodeUID))
	if !found {
		writeJSON(w, http.StatusOK, lastPendingOpResponse{Found: false})
		return
	}
	dto := rpcproto.FromUserOp(op)
	writeJSON(w, http.StatusOK, lastPendingOpResponse{Op: &dto, Found: true})
}

// handleGetOpExecPlayState is get_last_pending_op_for_node's UI-facing
// sibling: spec.md lists it separately because the client needs just the
// lifecycle string to paint a play/pause/spinner icon, not the full op.
func (f *Facade) handleGetOpExecPlayState(w http.ResponseWriter, r *http.Request) {
	var req lastPendingOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	graph, ok := f.graphFor(node.DeviceUID(req.DeviceUID))
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}
	op, found := graph.LastPendingOpForNode(node.UID(req.NodeUID))
	state := "NONE"
	if found {
		state = op.State.String()
	}
	writeJSON(w, http.StatusOK, struct {
		State string `json:"state"`
	}{State: state})
}

type downloadFileRequest struct {
	DeviceUID   uint32 `json:"device_uid"`
	NodeUID     uint32 `json:"node_uid"`
	RequestorID string `json:"requestor_id"`
}

// handleDownloadFileFromGDrive materializes one cloud file's bytes into
// the local cache directory and returns immediately, launching the
// transfer in the background — mirroring cache_manager.py's
// download_file_from_gdrive, which only launches its task and returns.
// The transfer itself reuses rclone's operations.Copy the same way
// component I's crossDomainCopy does, since this agent has no separate
// download codepath of its own to duplicate that logic in.
func (f *Facade) handleDownloadFileFromGDrive(w http.ResponseWriter, r *http.Request) {
	var req downloadFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dev := node.DeviceUID(req.DeviceUID)
	drv, ok := f.cloudDriveFor(dev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device has no cloud drive mounted", nil)
		return
	}
	tree, ok := f.manager.Tree(dev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}
	relPath, ok := tree.PathOf(node.UID(req.NodeUID))
	if !ok {
		writeError(w, http.StatusNotFound, "E_NODE_NOT_FOUND", "no such node", nil)
		return
	}

	f.cfgMu.RLock()
	cacheDir := f.cfg.Storage.CacheDirPath
	f.cfgMu.RUnlock()
	dst := filepath.Join(cacheDir, fmt.Sprintf("%d", dev), relPath)

	go func() {
		ctx := context.Background()
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			f.log.Warnf("download_file_from_gdrive: device=%d node=%d requestor=%s: create cache dir: %v", dev, req.NodeUID, req.RequestorID, err)
			return
		}
		srcObj, err := drv.RawObject(ctx, relPath)
		if err != nil {
			f.log.Warnf("download_file_from_gdrive: device=%d node=%d requestor=%s: source vanished: %v", dev, req.NodeUID, req.RequestorID, err)
			return
		}
		localFs, err := fs.NewFs(ctx, filepath.Dir(dst))
		if err != nil {
			f.log.Warnf("download_file_from_gdrive: device=%d node=%d requestor=%s: open cache dir: %v", dev, req.NodeUID, req.RequestorID, err)
			return
		}
		if _, err := operations.Copy(ctx, localFs, nil, filepath.Base(dst), srcObj); err != nil {
			f.log.Warnf("download_file_from_gdrive: device=%d node=%d requestor=%s: copy failed: %v", dev, req.NodeUID, req.RequestorID, err)
		}
	}()
	writeJSON(w, http.StatusOK, struct{}{})
}

package rpcfacade

import (
	"fmt"
	"net/http"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/rpcproto"
)

type spidRequest struct {
	TreeID    string `json:"tree_id"`
	DeviceUID uint32 `json:"device_uid"`
	NodeUID   uint32 `json:"node_uid"`
}

func (f *Facade) nodeDTOFor(dev node.DeviceUID, uid node.UID, filter rpcproto.FilterCriteria) (rpcproto.NodeDTO, bool) {
	tree, ok := f.manager.Tree(dev)
	if !ok {
		return rpcproto.NodeDTO{}, false
	}
	n, ok := tree.Node(uid)
	if !ok {
		return rpcproto.NodeDTO{}, false
	}
	size := int64(0)
	if lf, ok := n.(*node.LocalFile); ok {
		size = lf.SizeBytes
	}
	if !filter.Matches(n, size) {
		return rpcproto.NodeDTO{}, false
	}
	var metaPtr *node.DirMeta
	if n.IsDir() {
		if meta, ok := tree.DirMetaFor(uid); ok {
			metaPtr = &meta
		}
	}
	return rpcproto.FromNode(n.Identifier(), n, metaPtr), true
}

func (f *Facade) handleGetChildListForSPID(w http.ResponseWriter, r *http.Request) {
	var req spidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dev := node.DeviceUID(req.DeviceUID)
	tree, ok := f.manager.Tree(dev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}

	filter := rpcproto.FilterCriteria{}
	if req.TreeID != "" {
		sess := f.sessions.get(req.TreeID)
		sess.mu.Lock()
		filter = sess.filter
		sess.mu.Unlock()
	}

	children := tree.Children(node.UID(req.NodeUID))
	out := make([]rpcproto.NodeDTO, 0, len(children))
	for _, childUID := range children {
		if dto, ok := f.nodeDTOFor(dev, childUID, filter); ok {
			out = append(out, dto)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Facade) handleGetAncestorListForSPID(w http.ResponseWriter, r *http.Request) {
	var req spidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dev := node.DeviceUID(req.DeviceUID)
	tree, ok := f.manager.Tree(dev)
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}

	var out []rpcproto.NodeDTO
	uid := node.UID(req.NodeUID)
	for {
		n, ok := tree.Node(uid)
		if !ok {
			break
		}
		parent, hasParent := n.ParentUID()
		if !hasParent {
			break
		}
		if dto, ok := f.nodeDTOFor(dev, parent, noFilter); ok {
			out = append(out, dto)
		}
		uid = parent
	}
	writeJSON(w, http.StatusOK, out)
}

type rowsOfInterestRequest struct {
	TreeID    string `json:"tree_id"`
	DeviceUID uint32 `json:"device_uid"`
}

type rowsOfInterestResponse struct {
	Selected []rpcproto.NodeDTO `json:"selected"`
	Expanded []rpcproto.NodeDTO `json:"expanded"`
}

// handleGetRowsOfInterest resolves a session's currently selected and
// expanded row GUIDs back into full NodeDTOs, the shape a client needs
// to restore its tree-view UI state after a reconnect.
func (f *Facade) handleGetRowsOfInterest(w http.ResponseWriter, r *http.Request) {
	var req rowsOfInterestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	sess := f.sessions.get(req.TreeID)
	sess.mu.Lock()
	selectedGUIDs := make([]string, 0, len(sess.selectedRows))
	for g := range sess.selectedRows {
		selectedGUIDs = append(selectedGUIDs, g)
	}
	expandedGUIDs := make([]string, 0, len(sess.expandedRows))
	for g := range sess.expandedRows {
		expandedGUIDs = append(expandedGUIDs, g)
	}
	sess.mu.Unlock()

	resp := rowsOfInterestResponse{}
	for _, g := range selectedGUIDs {
		if dto, ok := f.resolveGUID(g); ok {
			resp.Selected = append(resp.Selected, dto)
		}
	}
	for _, g := range expandedGUIDs {
		if dto, ok := f.resolveGUID(g); ok {
			resp.Expanded = append(resp.Expanded, dto)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *Facade) resolveGUID(guid string) (rpcproto.NodeDTO, bool) {
	dev, uid, err := parseGUID(guid)
	if err != nil {
		return rpcproto.NodeDTO{}, false
	}
	return f.nodeDTOFor(dev, uid, noFilter)
}

type setSelectedRowSetRequest struct {
	TreeID string   `json:"tree_id"`
	GUIDs  []string `json:"guids"`
}

func (f *Facade) handleSetSelectedRowSet(w http.ResponseWriter, r *http.Request) {
	var req setSelectedRowSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	sess := f.sessions.get(req.TreeID)
	sess.mu.Lock()
	sess.selectedRows = make(map[string]bool, len(req.GUIDs))
	for _, g := range req.GUIDs {
		sess.selectedRows[g] = true
	}
	sess.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

type removeExpandedRowRequest struct {
	TreeID string `json:"tree_id"`
	GUID   string `json:"guid"`
}

func (f *Facade) handleRemoveExpandedRow(w http.ResponseWriter, r *http.Request) {
	var req removeExpandedRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	sess := f.sessions.get(req.TreeID)
	sess.mu.Lock()
	delete(sess.expandedRows, req.GUID)
	sess.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

type treeIDRequest struct {
	TreeID string `json:"tree_id"`
}

func (f *Facade) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	var req treeIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	sess := f.sessions.get(req.TreeID)
	sess.mu.Lock()
	filter := sess.filter
	sess.mu.Unlock()
	writeJSON(w, http.StatusOK, filter)
}

type updateFilterRequest struct {
	TreeID string                  `json:"tree_id"`
	Filter rpcproto.FilterCriteria `json:"filter"`
}

func (f *Facade) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	var req updateFilterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	sess := f.sessions.get(req.TreeID)
	sess.mu.Lock()
	sess.filter = req.Filter
	sess.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

type contextMenuRequest struct {
	GUIDs []string `json:"guids"`
}

type contextMenuResponse struct {
	Actions []string `json:"actions"`
}

// handleGetContextMenu returns DELETE, COPY_TO and MOVE_TO for any
// selection, plus DOWNLOAD_FROM_GDRIVE when exactly one well-formed GUID
// is selected; it does not look at the selected nodes' kind or trashed
// state. execute_tree_action_list carries out only the first three.
func (f *Facade) handleGetContextMenu(w http.ResponseWriter, r *http.Request) {
	var req contextMenuRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	actions := []string{"DELETE", "COPY_TO", "MOVE_TO"}
	if len(req.GUIDs) == 1 {
		if _, uid, err := parseGUID(req.GUIDs[0]); err == nil {
			_ = uid
			actions = append(actions, "DOWNLOAD_FROM_GDRIVE")
		}
	}
	writeJSON(w, http.StatusOK, contextMenuResponse{Actions: actions})
}

type executeTreeActionListRequest struct {
	Action  string   `json:"action"`
	GUIDs   []string `json:"guids"`
	DstGUID string   `json:"dst_guid,omitempty"`
}

// handleExecuteTreeActionList dispatches a named bulk action over a
// selection, reusing the same op-batch construction drop_dragged_nodes
// and delete_subtree use.
func (f *Facade) handleExecuteTreeActionList(w http.ResponseWriter, r *http.Request) {
	var req executeTreeActionListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	switch req.Action {
	case "DELETE":
		f.deleteGUIDs(r.Context(), w, req.GUIDs)
	case "COPY_TO", "MOVE_TO":
		f.dropGUIDs(r.Context(), w, req.GUIDs, req.DstGUID, req.Action == "MOVE_TO")
	default:
		writeError(w, http.StatusBadRequest, "E_UNKNOWN_ACTION", fmt.Sprintf("unknown action %q", req.Action), nil)
	}
}

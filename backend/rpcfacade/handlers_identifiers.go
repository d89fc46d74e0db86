package rpcfacade

import (
	"net/http"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/rpcproto"
)

// noFilter is the pass-everything FilterCriteria used by identifier
// lookups, which resolve a specific node regardless of its trashed
// state — trashed-visibility filtering is a tree-view concern
// (get_child_list_for_spid), not an identity one.
var noFilter = rpcproto.FilterCriteria{Trashed: rpcproto.TrashedShown}

type getNextUIDRequest struct {
	DeviceUID uint32 `json:"device_uid"`
}

type getNextUIDResponse struct {
	NodeUID uint32 `json:"node_uid"`
}

func (f *Facade) handleGetNextUID(w http.ResponseWriter, r *http.Request) {
	var req getNextUIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	alloc, ok := f.uidsFor(node.DeviceUID(req.DeviceUID))
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}
	uid, err := alloc.Next()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "E_UID_EXHAUSTED", err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, getNextUIDResponse{NodeUID: uint32(uid)})
}

func (f *Facade) handleGetNodeForUID(w http.ResponseWriter, r *http.Request) {
	var req spidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dto, ok := f.nodeDTOFor(node.DeviceUID(req.DeviceUID), node.UID(req.NodeUID), noFilter)
	if !ok {
		writeError(w, http.StatusNotFound, "E_NODE_NOT_FOUND", "no such node", nil)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

type getUIDForLocalPathRequest struct {
	DeviceUID uint32 `json:"device_uid"`
	Path      string `json:"path"`
}

type getUIDForLocalPathResponse struct {
	NodeUID uint32 `json:"node_uid"`
	Found   bool   `json:"found"`
}

func (f *Facade) handleGetUIDForLocalPath(w http.ResponseWriter, r *http.Request) {
	var req getUIDForLocalPathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	tree, ok := f.manager.Tree(node.DeviceUID(req.DeviceUID))
	if !ok {
		writeError(w, http.StatusNotFound, "E_UNKNOWN_DEVICE", "device not mounted", nil)
		return
	}
	uid, found := tree.UIDForPath(req.Path)
	writeJSON(w, http.StatusOK, getUIDForLocalPathResponse{NodeUID: uint32(uid), Found: found})
}

type getSNForRequest struct {
	DeviceUID uint32 `json:"device_uid"`
	NodeUID   uint32 `json:"node_uid"`
	FullPath  string `json:"full_path"`
}

type snPairResponse struct {
	Identifier struct {
		GUID      string `json:"guid"`
		DeviceUID uint32 `json:"device_uid"`
		NodeUID   uint32 `json:"node_uid"`
		Path      string `json:"path"`
	} `json:"identifier"`
	Node any `json:"node"`
}

// handleGetSNFor is get_sn_for: given (node_uid, device_uid, full_path)
// it resolves the live node and pairs it with a fresh SPID fixed to
// full_path, mirroring original_source/outlet/backend/cache_manager.py's
// get_sn_for (SPEC_FULL.md §11 names this an Identifiers-group method
// spec.md's distillation kept without spelling out its return shape).
func (f *Facade) handleGetSNFor(w http.ResponseWriter, r *http.Request) {
	var req getSNForRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dto, ok := f.nodeDTOFor(node.DeviceUID(req.DeviceUID), node.UID(req.NodeUID), noFilter)
	if !ok {
		writeError(w, http.StatusNotFound, "E_NODE_NOT_FOUND", "no such node", nil)
		return
	}
	var resp snPairResponse
	resp.Identifier.GUID = spidGUID(node.DeviceUID(req.DeviceUID), node.UID(req.NodeUID))
	resp.Identifier.DeviceUID = req.DeviceUID
	resp.Identifier.NodeUID = req.NodeUID
	resp.Identifier.Path = req.FullPath
	resp.Node = dto
	writeJSON(w, http.StatusOK, resp)
}

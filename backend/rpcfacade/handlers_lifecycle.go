package rpcfacade

import (
	"net/http"

	"github.com/nsdrive/syncagent/backend/node"
)

type displayTreeRequest struct {
	DeviceUID          uint32 `json:"device_uid"`
	SyncFromDiskOnLoad bool   `json:"sync_from_disk_on_load"`
}

func (f *Facade) handleRequestDisplayTree(w http.ResponseWriter, r *http.Request) {
	var req displayTreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dev := node.DeviceUID(req.DeviceUID)
	if err := f.manager.RequestDisplayTree(r.Context(), dev, req.SyncFromDiskOnLoad); err != nil {
		writeError(w, http.StatusConflict, "E_LOAD_FAILED", err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleStartSubtreeLoad triggers the same NOT_LOADED -> LOADING -> LOADED
// path request_display_tree does. spec.md distinguishes the two as
// "whole tree" vs. "one subtree" requests, but component G's Manager
// only tracks load state per device, not per subtree — a lazy partial
// load would need a second granularity of state machine the spec never
// details, so this is scoped to the device as a whole, same as
// request_display_tree.
func (f *Facade) handleStartSubtreeLoad(w http.ResponseWriter, r *http.Request) {
	f.handleRequestDisplayTree(w, r)
}

type refreshSubtreeRequest struct {
	DeviceUID uint32 `json:"device_uid"`
}

func (f *Facade) handleRefreshSubtree(w http.ResponseWriter, r *http.Request) {
	var req refreshSubtreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}
	dev := node.DeviceUID(req.DeviceUID)
	if err := f.manager.RefreshSubtree(r.Context(), dev); err != nil {
		writeError(w, http.StatusConflict, "E_REFRESH_FAILED", err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

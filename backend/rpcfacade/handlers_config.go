package rpcfacade

import (
	"net/http"

	"github.com/nsdrive/syncagent/backend/config"
	"github.com/nsdrive/syncagent/backend/iconstore"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

func (f *Facade) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	writeJSON(w, http.StatusOK, f.cfg)
}

func (f *Facade) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if err := decodeJSON(r, &next); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed config", err)
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "E_INVALID_CONFIG", err.Error(), err)
		return
	}

	f.cfgMu.Lock()
	f.cfg = &next
	err := f.cfg.Save(f.cfgPath)
	f.cfgMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "E_CONFIG_SAVE", "config saved in memory but not persisted", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type getIconRequest struct {
	Kind   string `json:"kind,omitempty"`
	OpType string `json:"op_type,omitempty"`
	Custom string `json:"custom,omitempty"`
}

type getIconResponse struct {
	IconID string `json:"icon_id"`
	Found  bool   `json:"found"`
}

var kindByName = map[string]node.Kind{
	"LOCAL_DIR": node.KindLocalDir, "LOCAL_FILE": node.KindLocalFile,
	"GDRIVE_FILE": node.KindGDriveFile, "GDRIVE_FOLDER": node.KindGDriveFolder,
	"CONTAINER": node.KindContainer, "CATEGORY": node.KindCategory,
	"ROOT_TYPE": node.KindRootType, "NONEXISTENT_DIR": node.KindNonexistentDir,
}

var opTypeByName = map[string]opgraph.OpType{
	"MKDIR": opgraph.OpMKDIR, "CP": opgraph.OpCP, "MV": opgraph.OpMV, "RM": opgraph.OpRM,
	"CP_ONTO": opgraph.OpCPOnto, "MV_ONTO": opgraph.OpMVOnto,
}

func (f *Facade) handleGetIcon(w http.ResponseWriter, r *http.Request) {
	var req getIconRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed request", err)
		return
	}

	if req.Custom != "" {
		id, ok := f.icons.GetCustom(req.Custom)
		writeJSON(w, http.StatusOK, getIconResponse{IconID: id, Found: ok})
		return
	}

	key := iconstore.Key{Kind: kindByName[req.Kind]}
	if req.OpType != "" {
		if t, ok := opTypeByName[req.OpType]; ok {
			key.Op = t
			key.HasOp = true
		}
	}
	id, ok := f.icons.Get(key)
	writeJSON(w, http.StatusOK, getIconResponse{IconID: id, Found: ok})
}

type deviceDTO struct {
	DeviceUID    uint32 `json:"device_uid"`
	LongDeviceID string `json:"long_device_id"`
	TreeType     string `json:"tree_type"`
	FriendlyName string `json:"friendly_name"`
	RootPath     string `json:"root_path"`
}

func (f *Facade) handleGetDeviceList(w http.ResponseWriter, r *http.Request) {
	devices := f.devices.List()
	out := make([]deviceDTO, len(devices))
	for i, d := range devices {
		out[i] = deviceDTO{
			DeviceUID: uint32(d.DeviceUID), LongDeviceID: d.LongDeviceID,
			TreeType: d.TreeType.String(), FriendlyName: d.FriendlyName, RootPath: d.RootPath,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

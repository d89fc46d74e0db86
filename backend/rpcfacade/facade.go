// Package rpcfacade is component J: the RPC surface spec.md §6 groups
// into Signal, Config, Tree view, Tree lifecycle, Identifiers, and
// Diff/merge methods, implemented as an HTTP+websocket facade
// (SPEC_FULL.md §6.1) rather than a generated protobuf/gRPC stack —
// spec.md scopes the wire-format stub out, so `github.com/go-chi/chi/v5`
// routes one POST per verb and `github.com/gorilla/websocket` carries
// the one server-streaming method, `subscribe_to_signals`.
package rpcfacade

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nsdrive/syncagent/backend/cachemgr"
	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/config"
	"github.com/nsdrive/syncagent/backend/device"
	"github.com/nsdrive/syncagent/backend/iconstore"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

// Facade wires every backend component the RPC surface fronts. One
// Facade serves the whole agent process — devices, not facades, are
// per-mount.
type Facade struct {
	log      *logging.Logger
	cfgPath  string
	cfgMu    sync.RWMutex
	cfg      *config.Config
	manager  *cachemgr.Manager
	devices  *device.Registry
	icons    *iconstore.Store

	graphMu sync.RWMutex
	graphs  map[node.DeviceUID]*opgraph.Graph
	uids    map[node.DeviceUID]*uidalloc.Allocator

	cloudMu     sync.RWMutex
	clouddrives map[node.DeviceUID]*clouddrive.Driver

	sessions *sessionStore
	signals  *signalHub
	diffs    *diffStore
}

// New constructs a Facade. Devices, their Trees, op Graphs, and UID
// Allocators are registered afterward via Mount as cmd/agentd brings
// each one up.
func New(log *logging.Logger, cfgPath string, cfg *config.Config, manager *cachemgr.Manager, devices *device.Registry, icons *iconstore.Store) *Facade {
	f := &Facade{
		log: log, cfgPath: cfgPath, cfg: cfg, manager: manager, devices: devices, icons: icons,
		graphs:      make(map[node.DeviceUID]*opgraph.Graph),
		uids:        make(map[node.DeviceUID]*uidalloc.Allocator),
		clouddrives: make(map[node.DeviceUID]*clouddrive.Driver),
		sessions:    newSessionStore(),
		signals:     newSignalHub(log, manager.Bus()),
		diffs:       newDiffStore(),
	}
	return f
}

// MountCloudDrive registers a device's cloud driver, so
// download_file_from_gdrive can reach it by device_uid. Only
// GDrive-backed devices are registered; local devices have none.
func (f *Facade) MountCloudDrive(dev node.DeviceUID, drv *clouddrive.Driver) {
	f.cloudMu.Lock()
	defer f.cloudMu.Unlock()
	f.clouddrives[dev] = drv
}

func (f *Facade) cloudDriveFor(dev node.DeviceUID) (*clouddrive.Driver, bool) {
	f.cloudMu.RLock()
	defer f.cloudMu.RUnlock()
	drv, ok := f.clouddrives[dev]
	return drv, ok
}

// Mount registers a device's op Graph and UID Allocator, so diff/merge
// and identifier methods can reach them by device_uid.
func (f *Facade) Mount(dev node.DeviceUID, graph *opgraph.Graph, uids *uidalloc.Allocator) {
	f.graphMu.Lock()
	defer f.graphMu.Unlock()
	f.graphs[dev] = graph
	f.uids[dev] = uids
}

func (f *Facade) graphFor(dev node.DeviceUID) (*opgraph.Graph, bool) {
	f.graphMu.RLock()
	defer f.graphMu.RUnlock()
	g, ok := f.graphs[dev]
	return g, ok
}

func (f *Facade) uidsFor(dev node.DeviceUID) (*uidalloc.Allocator, bool) {
	f.graphMu.RLock()
	defer f.graphMu.RUnlock()
	a, ok := f.uids[dev]
	return a, ok
}

// Router builds the chi.Mux serving every unary method plus the
// websocket streaming endpoint.
func (f *Facade) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(f.timeoutMiddleware)

	r.Get("/subscribe_to_signals", f.handleSubscribe)
	r.Post("/send_signal", f.handleSendSignal)

	r.Post("/get_config", f.handleGetConfig)
	r.Post("/put_config", f.handlePutConfig)
	r.Post("/get_icon", f.handleGetIcon)
	r.Post("/get_device_list", f.handleGetDeviceList)

	r.Post("/get_child_list_for_spid", f.handleGetChildListForSPID)
	r.Post("/get_ancestor_list_for_spid", f.handleGetAncestorListForSPID)
	r.Post("/get_rows_of_interest", f.handleGetRowsOfInterest)
	r.Post("/set_selected_row_set", f.handleSetSelectedRowSet)
	r.Post("/remove_expanded_row", f.handleRemoveExpandedRow)
	r.Post("/get_filter", f.handleGetFilter)
	r.Post("/update_filter", f.handleUpdateFilter)
	r.Post("/get_context_menu", f.handleGetContextMenu)
	r.Post("/execute_tree_action_list", f.handleExecuteTreeActionList)

	r.Post("/request_display_tree", f.handleRequestDisplayTree)
	r.Post("/start_subtree_load", f.handleStartSubtreeLoad)
	r.Post("/refresh_subtree", f.handleRefreshSubtree)

	r.Post("/get_next_uid", f.handleGetNextUID)
	r.Post("/get_node_for_uid", f.handleGetNodeForUID)
	r.Post("/get_uid_for_local_path", f.handleGetUIDForLocalPath)
	r.Post("/get_sn_for", f.handleGetSNFor)

	r.Post("/start_diff_trees", f.handleStartDiffTrees)
	r.Post("/generate_merge_tree", f.handleGenerateMergeTree)
	r.Post("/drop_dragged_nodes", f.handleDropDraggedNodes)
	r.Post("/delete_subtree", f.handleDeleteSubtree)
	r.Post("/get_last_pending_op_for_node", f.handleGetLastPendingOpForNode)
	r.Post("/download_file_from_gdrive", f.handleDownloadFileFromGDrive)
	r.Post("/get_op_exec_play_state", f.handleGetOpExecPlayState)

	return r
}

func (f *Facade) timeoutMiddleware(next http.Handler) http.Handler {
	f.cfgMu.RLock()
	timeout := f.cfg.ConnectionTimeout()
	f.cfgMu.RUnlock()
	return middleware.Timeout(timeout)(next)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	body := errorBody{Code: code, Message: message}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

package rpcfacade

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdrive/syncagent/backend/cachemgr"
	"github.com/nsdrive/syncagent/backend/config"
	"github.com/nsdrive/syncagent/backend/device"
	"github.com/nsdrive/syncagent/backend/iconstore"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
	"github.com/nsdrive/syncagent/backend/store"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

type harness struct {
	f    *Facade
	tree *cachemgr.Tree
	dev  node.DeviceUID
	root string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	dev := node.DeviceUID(1)
	root := filepath.Join(dir, "root")

	nodes, err := store.OpenNodeStore(filepath.Join(dir, "nodes.db"), dev)
	require.NoError(t, err)
	t.Cleanup(func() { nodes.Close() })

	uids, err := uidalloc.Open(filepath.Join(dir, "uid.bolt"), dev, 10)
	require.NoError(t, err)
	t.Cleanup(func() { uids.Close() })

	log := logging.New(logging.Error, "text", os.Stderr)
	manager := cachemgr.NewManager(log)
	tree := cachemgr.NewTree(dev, root, nodes, uids, manager.Bus())
	manager.Mount(tree)

	// register the root itself as the first node, the same as a real
	// localscan snapshot's first entry.
	require.NoError(t, tree.ApplyLocalEvent(context.Background(), localscan.Event{
		Type: localscan.EventUpsert, Path: root, IsDir: true,
	}))

	graph, err := opgraph.Open(context.Background(), filepath.Join(dir, "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	devices, err := device.LoadRegistry(filepath.Join(dir, "devices.json"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Storage.CacheDirPath = dir

	f := New(log, filepath.Join(dir, "config.yaml"), cfg, manager, devices, iconstore.New())
	f.Mount(dev, graph, uids)

	return &harness{f: f, tree: tree, dev: dev, root: root}
}

// seed upserts one dir/file entry under h.root via a localscan event, the
// same path a real snapshot walk would take.
func (h *harness) seed(t *testing.T, rel string, isDir bool, size int64) node.UID {
	t.Helper()
	path := filepath.Join(h.root, rel)
	ev := localscan.Event{Type: localscan.EventUpsert, Path: path, IsDir: isDir, SizeBytes: size}
	require.NoError(t, h.tree.ApplyLocalEvent(context.Background(), ev))
	uid, ok := h.tree.UIDForPath(path)
	require.True(t, ok)
	return uid
}

func (h *harness) rootUID(t *testing.T) node.UID {
	t.Helper()
	uid, ok := h.tree.UIDForPath(h.root)
	require.True(t, ok)
	return uid
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGetConfigRoundTrip(t *testing.T) {
	h := newHarness(t)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/get_config", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, h.f.cfg.Server.Port, got.Server.Port)
}

func TestGetDeviceListEmpty(t *testing.T) {
	h := newHarness(t)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/get_device_list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got []deviceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)
}

func TestGetIconFallsBackToKindOnly(t *testing.T) {
	h := newHarness(t)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/get_icon", getIconRequest{Kind: "LOCAL_FILE", OpType: "CP_ONTO"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var got getIconResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Found)
	assert.Equal(t, "icon_generic_file", got.IconID)
}

func TestSelectedRowSetRoundTrip(t *testing.T) {
	h := newHarness(t)
	guid := spidGUID(h.dev, 42)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/set_selected_row_set", setSelectedRowSetRequest{TreeID: "t1", GUIDs: []string{guid}})
	assert.Equal(t, http.StatusOK, rec.Code)

	sess := h.f.sessions.get("t1")
	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.True(t, sess.selectedRows[guid])
}

func TestGetChildListForSPIDListsChildren(t *testing.T) {
	h := newHarness(t)
	rootUID := h.rootUID(t)
	h.seed(t, "keep.txt", false, 10)

	rec := doJSON(t, h.f.Router(), http.MethodPost, "/get_child_list_for_spid", spidRequest{DeviceUID: uint32(h.dev), NodeUID: uint32(rootUID)})
	assert.Equal(t, http.StatusOK, rec.Code)
	var got []nodeDTOJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "keep.txt", got[0].Name)
}

// nodeDTOJSON mirrors rpcproto.NodeDTO's exported field names for
// decoding in tests without importing the whole package's response types.
type nodeDTOJSON struct {
	Name string `json:"name"`
}

func TestDeleteGUIDsExpandsDirectories(t *testing.T) {
	h := newHarness(t)
	dirUID := h.seed(t, "sub", true, 0)
	aUID := h.seed(t, "sub/a.txt", false, 5)
	h.seed(t, "sub/b.txt", false, 7)

	guid := spidGUID(h.dev, dirUID)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/delete_subtree", deleteSubtreeRequest{GUIDs: []string{guid}})
	assert.Equal(t, http.StatusOK, rec.Code)

	graph, ok := h.f.graphFor(h.dev)
	require.True(t, ok)
	_, found := graph.LastPendingOpForNode(dirUID)
	assert.True(t, found)
	_, found = graph.LastPendingOpForNode(aUID)
	assert.True(t, found)
}

func TestDropGUIDsReservesPlanningNode(t *testing.T) {
	h := newHarness(t)
	rootUID := h.rootUID(t)
	dstUID := h.seed(t, "dst", true, 0)
	srcUID := h.seed(t, "src.txt", false, 3)
	_ = rootUID

	guid := spidGUID(h.dev, srcUID)
	dstGUID := spidGUID(h.dev, dstUID)
	rec := doJSON(t, h.f.Router(), http.MethodPost, "/drop_dragged_nodes", dropDraggedNodesRequest{SrcGUIDs: []string{guid}, DstGUID: dstGUID, IsMove: false})
	assert.Equal(t, http.StatusOK, rec.Code)

	planPath, ok := h.tree.UIDForPath(filepath.Join(h.root, "dst", "src.txt"))
	assert.True(t, ok, "planning node should be resolvable at the destination path")
	n, ok := h.tree.Node(planPath)
	require.True(t, ok)
	assert.Equal(t, node.KindContainer, n.Kind())
}

// Package iconstore is the supplemented feature behind the RPC surface's
// get_icon method: a tiny in-memory registry mapping a node kind
// (optionally qualified by a pending op type) or a custom name to an
// icon identifier string, grounded on
// original_source/outlet/be/icon_store.py's IconId enum (SPEC_FULL.md
// §11) but without that module's image compositing — this agent is
// headless and returns identifiers for a UI client to resolve locally,
// not rendered pixels.
package iconstore

import (
	"fmt"
	"sync"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

// Key identifies one icon slot: a node kind, optionally qualified by the
// op type currently pending on it (e.g. a file mid-MV gets a badge).
type Key struct {
	Kind   node.Kind
	Op     opgraph.OpType
	HasOp  bool
	Custom string // arbitrary keys for non-node icons (e.g. "loading", "gdrive")
}

// Store is a concurrency-safe id -> icon-identifier map.
type Store struct {
	mu    sync.RWMutex
	icons map[Key]string
}

// New builds a Store populated with the default icon set (spec's
// "populated with defaults at startup").
func New() *Store {
	s := &Store{icons: make(map[Key]string)}
	s.loadDefaults()
	return s
}

func (s *Store) loadDefaults() {
	defaults := map[Key]string{
		{Kind: node.KindLocalFile}: "icon_generic_file",
		{Kind: node.KindLocalDir}:  "icon_generic_dir",
		{Kind: node.KindGDriveFile}: "icon_generic_file",
		{Kind: node.KindGDriveFolder}: "icon_generic_dir",

		{Kind: node.KindLocalFile, Op: opgraph.OpRM, HasOp: true}: "icon_file_rm",
		{Kind: node.KindLocalDir, Op: opgraph.OpRM, HasOp: true}:  "icon_dir_rm",
		{Kind: node.KindLocalFile, Op: opgraph.OpMV, HasOp: true}: "icon_file_mv_src",
		{Kind: node.KindLocalDir, Op: opgraph.OpMV, HasOp: true}:  "icon_dir_mv_src",
		{Kind: node.KindLocalFile, Op: opgraph.OpCP, HasOp: true}: "icon_file_cp_src",
		{Kind: node.KindLocalDir, Op: opgraph.OpCP, HasOp: true}:  "icon_dir_cp_src",
		{Kind: node.KindLocalDir, Op: opgraph.OpMKDIR, HasOp: true}: "icon_dir_mk",

		{Custom: "loading"}: "icon_loading",
		{Custom: "gdrive"}:  "icon_gdrive",
		{Custom: "alert"}:   "icon_alert",
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range defaults {
		s.icons[k] = v
	}
}

// Get resolves a Key to its icon identifier, falling back to a
// kind-only lookup when an op-qualified key is absent.
func (s *Store) Get(k Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.icons[k]; ok {
		return id, true
	}
	if k.HasOp {
		if id, ok := s.icons[Key{Kind: k.Kind}]; ok {
			return id, true
		}
	}
	return "", false
}

// Set registers or overrides an icon mapping.
func (s *Store) Set(k Key, iconID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icons[k] = iconID
}

// GetCustom resolves a non-node-scoped icon by name (e.g. "loading").
func (s *Store) GetCustom(name string) (string, bool) {
	return s.Get(Key{Custom: name})
}

func (k Key) String() string {
	if k.Custom != "" {
		return k.Custom
	}
	if k.HasOp {
		return fmt.Sprintf("kind%d/%s", k.Kind, k.Op)
	}
	return fmt.Sprintf("kind%d", k.Kind)
}

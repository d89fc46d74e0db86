package rpcfacade

import (
	"sync"

	"github.com/nsdrive/syncagent/backend/rpcproto"
)

// treeSession holds the client-local view state a display tree carries
// (spec.md never fixes a persistence tier for this — it's UI-session
// state, so an in-memory-only map keyed by tree_id is the pragmatic
// choice: a lost session on restart just means the client re-requests
// its rows of interest, no data is lost).
type treeSession struct {
	mu           sync.Mutex
	filter       rpcproto.FilterCriteria
	selectedRows map[string]bool
	expandedRows map[string]bool
}

func newTreeSession() *treeSession {
	return &treeSession{
		selectedRows: make(map[string]bool),
		expandedRows: make(map[string]bool),
	}
}

// sessionStore maps tree_id -> treeSession, created lazily on first use.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*treeSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*treeSession)}
}

func (s *sessionStore) get(treeID string) *treeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[treeID]
	if !ok {
		sess = newTreeSession()
		s.sessions[treeID] = sess
	}
	return sess
}

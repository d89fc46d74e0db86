package opgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/node"
)

// Locator answers path-ancestor questions the graph needs for edge rule 1
// ("by UID, or, for dirs, by path-ancestor relation") without opgraph
// importing the cache manager — cachemgr.Tree satisfies this trivially via
// its parent-chain walk.
type Locator interface {
	IsAncestorUID(ancestor, descendant node.UID) bool
}

type edgeSet map[OpUID]bool

// Graph is the durable dependency DAG described by spec §4.H: nodes are
// UserOps, edges are must-precede relations, and the executor pulls from
// the zero-in-degree ready set.
type Graph struct {
	mu        sync.Mutex
	store     *opStore
	locator   Locator
	nextSeq   int
	batchSeq  BatchUID
	opUIDHigh OpUID // high-water mark for NextOpUID, independent of nextSeq

	ops    map[OpUID]*UserOp
	preds  map[OpUID]edgeSet // op -> ops that must complete before it
	succs  map[OpUID]edgeSet // op -> ops that depend on it
	ready  map[OpUID]bool

	notify chan struct{}
}

// Open constructs a Graph backed by a durable ops table at path, restoring
// any pending ops from a previous run (spec's "planning nodes survive
// restart" scenario).
func Open(ctx context.Context, path string) (*Graph, error) {
	st, err := openOpStore(path)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		store: st, ops: make(map[OpUID]*UserOp),
		preds: make(map[OpUID]edgeSet), succs: make(map[OpUID]edgeSet),
		ready: make(map[OpUID]bool), notify: make(chan struct{}, 1),
	}
	if err := g.restore(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// SetLocator wires the ancestor-path resolver used by edge rules 1 and 1b.
// Safe to call once at startup after the owning device's Tree is mounted.
func (g *Graph) SetLocator(l Locator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locator = l
}

func (g *Graph) Close() error { return g.store.close() }

func (g *Graph) restore(ctx context.Context) error {
	recs, err := g.store.loadPending(ctx)
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	for i := range recs {
		op := recs[i]
		g.ops[op.OpUID] = &op
		if op.OpUID >= OpUID(g.nextSeq) {
			g.nextSeq = int(op.OpUID) + 1
		}
		if op.OpUID > g.opUIDHigh {
			g.opUIDHigh = op.OpUID
		}
		if op.BatchUID >= g.batchSeq {
			g.batchSeq = op.BatchUID + 1
		}
	}
	g.rebuildEdgesLocked()
	return nil
}

// rebuildEdgesLocked recomputes every dependency edge from scratch over
// g.ops, used after restore and after AppendBatch admits new ops.
func (g *Graph) rebuildEdgesLocked() {
	g.preds = make(map[OpUID]edgeSet)
	g.succs = make(map[OpUID]edgeSet)
	ordered := g.orderedOpsLocked()
	for i, op := range ordered {
		g.preds[op.OpUID] = make(edgeSet)
		g.succs[op.OpUID] = make(edgeSet)
		for j := 0; j < i; j++ {
			earlier := ordered[j]
			if g.dependsOnLocked(op, earlier) {
				g.addEdgeLocked(earlier.OpUID, op.OpUID)
			}
		}
	}
	g.recomputeReadyLocked()
}

func (g *Graph) orderedOpsLocked() []*UserOp {
	out := make([]*UserOp, 0, len(g.ops))
	for _, op := range g.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchUID != out[j].BatchUID {
			return out[i].BatchUID < out[j].BatchUID
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (g *Graph) addEdgeLocked(before, after OpUID) {
	if before == after {
		return
	}
	g.preds[after][before] = true
	g.succs[before][after] = true
}

// dependsOnLocked implements spec §4.H's edge rules for whether op must
// wait on earlier.
func (g *Graph) dependsOnLocked(op, earlier *UserOp) bool {
	if earlier.State == StateCompleted || earlier.State == StateCancelled {
		return false
	}

	// Rule 1: aliasing by UID, or by path-ancestor relation for dirs.
	if g.aliasLocked(op, earlier) {
		return true
	}

	// Rule 1b: a directory RM depends on every not-yet-completed
	// earlier-or-concurrent RM targeting one of its descendants — the
	// reverse of rule 1's ancestor direction. aliasLocked's touch() only
	// fires when the *earlier* op's target is an ancestor of the *later*
	// op's target, which is the right direction for a write needing its
	// parent to exist first but backwards for removal: deleteGUIDs
	// submits child RMs before the parent's own RM, so without this rule
	// no edge ever links them and NODE_REMOVED ordering for a subtree
	// rests on submission order rather than the graph itself.
	if op.Type == OpRM && earlier.Type == OpRM && g.locator != nil && g.locator.IsAncestorUID(op.SrcNode, earlier.SrcNode) {
		return true
	}

	// Rule 2: a MV depends on the creation of any planning-node ancestor
	// of its destination (spec §4.H rule 2); generalized here to every
	// op-type targeting a not-yet-existing destination path, since a CP
	// or CP_ONTO into a still-being-created directory needs the same
	// ordering a MV would.
	if op.HasDst && op.DstPath != "" && (earlier.Type == OpMKDIR || earlier.Type == OpCP) {
		if earlier.DstPath != "" && isPathAncestor(earlier.DstPath, op.DstPath) {
			return true
		}
	}

	return false
}

func (g *Graph) aliasLocked(op, earlier *UserOp) bool {
	touch := func(a *UserOp, uid node.UID) bool {
		if a.SrcNode == uid || (a.HasDst && a.DstNode == uid) {
			return true
		}
		if g.locator != nil {
			if a.SrcNode != 0 && g.locator.IsAncestorUID(a.SrcNode, uid) {
				return true
			}
			if a.HasDst && a.DstNode != 0 && g.locator.IsAncestorUID(a.DstNode, uid) {
				return true
			}
		}
		return false
	}
	if touch(earlier, op.SrcNode) {
		return true
	}
	if op.HasDst && touch(earlier, op.DstNode) {
		return true
	}
	return false
}

func isPathAncestor(ancestor, descendant string) bool {
	ancestor = strings.TrimRight(ancestor, "/")
	if ancestor == descendant {
		return false
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

func (g *Graph) recomputeReadyLocked() {
	g.ready = make(map[OpUID]bool)
	for uid, op := range g.ops {
		if op.State != StatePending {
			continue
		}
		if g.inDegreeSatisfiedLocked(uid) {
			g.ready[uid] = true
		}
	}
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Changed returns a channel that receives a value whenever the ready set
// may have changed, letting the executor's dispatcher block instead of
// polling (spec §4.I's "executor waiting on the ready-set condition").
func (g *Graph) Changed() <-chan struct{} { return g.notify }

func (g *Graph) inDegreeSatisfiedLocked(uid OpUID) bool {
	for pred := range g.preds[uid] {
		predOp, ok := g.ops[pred]
		if !ok {
			continue
		}
		if predOp.State != StateCompleted && predOp.State != StateCancelled {
			return false
		}
	}
	return true
}

// AppendBatch validates acyclicity, persists the batch atomically, then
// enqueues its roots into the ready set (spec §4.H). Ops are admitted
// idempotently by OpUID: an op_uid already known to the graph is skipped,
// making replay safe.
func (g *Graph) AppendBatch(ctx context.Context, batch BatchUID, ops []UserOp) error {
	g.mu.Lock()
	fresh := make([]*UserOp, 0, len(ops))
	for i := range ops {
		op := ops[i]
		if _, exists := g.ops[op.OpUID]; exists {
			continue
		}
		op.BatchUID = batch
		op.State = StatePending
		op.seq = g.nextSeq
		g.nextSeq++
		if op.OpUID > g.opUIDHigh {
			g.opUIDHigh = op.OpUID
		}
		g.ops[op.OpUID] = &op
		fresh = append(fresh, &op)
	}
	g.rebuildEdgesLocked()
	if g.hasCycleLocked() {
		for _, op := range fresh {
			delete(g.ops, op.OpUID)
		}
		g.rebuildEdgesLocked()
		g.mu.Unlock()
		return apperrors.ErrCycleDetected
	}
	toPersist := make([]UserOp, len(fresh))
	for i, op := range fresh {
		toPersist[i] = *op
	}
	g.mu.Unlock()

	if len(toPersist) == 0 {
		return nil
	}
	if err := g.store.persistBatch(ctx, toPersist); err != nil {
		g.mu.Lock()
		for _, op := range fresh {
			delete(g.ops, op.OpUID)
		}
		g.rebuildEdgesLocked()
		g.mu.Unlock()
		return fmt.Errorf("opgraph: persist batch %d: %w", batch, err)
	}
	return nil
}

// hasCycleLocked runs Kahn's algorithm over the current graph; a
// remaining vertex after exhausting zero-in-degree nodes means a cycle.
func (g *Graph) hasCycleLocked() bool {
	inDeg := make(map[OpUID]int, len(g.ops))
	for uid := range g.ops {
		inDeg[uid] = len(g.preds[uid])
	}
	queue := make([]OpUID, 0)
	for uid, d := range inDeg {
		if d == 0 {
			queue = append(queue, uid)
		}
	}
	visited := 0
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		visited++
		for succ := range g.succs[uid] {
			inDeg[succ]--
			if inDeg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	return visited != len(g.ops)
}

// ReadySet returns pending ops whose predecessors are all COMPLETED,
// ordered FIFO within a batch and FCFS across batches (spec §4.H).
func (g *Graph) ReadySet() []UserOp {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*UserOp, 0, len(g.ready))
	for uid := range g.ready {
		out = append(out, g.ops[uid])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchUID != out[j].BatchUID {
			return out[i].BatchUID < out[j].BatchUID
		}
		return out[i].seq < out[j].seq
	})
	result := make([]UserOp, len(out))
	for i, op := range out {
		result[i] = *op
	}
	return result
}

// Pull removes and returns the next ready op for the executor, or false
// if the ready set is empty. Spec §4.H reserves at most one dispatcher
// per device, so Pull's own lock is sufficient to make this atomic.
func (g *Graph) Pull() (UserOp, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *UserOp
	for uid := range g.ready {
		op := g.ops[uid]
		if best == nil || op.BatchUID < best.BatchUID || (op.BatchUID == best.BatchUID && op.seq < best.seq) {
			best = op
		}
	}
	if best == nil {
		return UserOp{}, false
	}
	best.State = StateInProgress
	delete(g.ready, best.OpUID)
	return *best, true
}

// MarkCompleted marks op COMPLETED, which satisfies its outbound edges,
// and re-evaluates the ready set (spec §4.H).
func (g *Graph) MarkCompleted(ctx context.Context, opUID OpUID) error {
	g.mu.Lock()
	op, ok := g.ops[opUID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("opgraph: unknown op %d", opUID)
	}
	op.State = StateCompleted
	g.recomputeReadyLocked()
	snapshot := *op
	g.mu.Unlock()
	return g.store.updateState(ctx, snapshot)
}

// MarkFailed transitions op to FAILED and poisons all descendants with
// BLOCKED_BY_FAILURE (spec §4.H).
func (g *Graph) MarkFailed(ctx context.Context, opUID OpUID, cause error) error {
	g.mu.Lock()
	op, ok := g.ops[opUID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("opgraph: unknown op %d", opUID)
	}
	op.State = StateFailed
	if cause != nil {
		op.Err = cause.Error()
	}
	blocked := g.descendantsLocked(opUID)
	for _, uid := range blocked {
		g.ops[uid].State = StateBlocked
	}
	g.recomputeReadyLocked()

	toPersist := []UserOp{*op}
	for _, uid := range blocked {
		toPersist = append(toPersist, *g.ops[uid])
	}
	g.mu.Unlock()

	for _, snap := range toPersist {
		if err := g.store.updateState(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) descendantsLocked(root OpUID) []OpUID {
	var out []OpUID
	visited := map[OpUID]bool{root: true}
	queue := []OpUID{root}
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		for succ := range g.succs[uid] {
			if visited[succ] {
				continue
			}
			visited[succ] = true
			out = append(out, succ)
			queue = append(queue, succ)
		}
	}
	return out
}

// BatchState reports whether every op in batch has reached a terminal
// state, and whether any of them FAILED (for BATCH_FAILED reporting).
func (g *Graph) BatchState(batch BatchUID) (done bool, failed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	done = true
	for _, op := range g.ops {
		if op.BatchUID != batch {
			continue
		}
		switch op.State {
		case StateCompleted, StateCancelled:
		case StateFailed, StateBlocked:
			failed = true
		default:
			done = false
		}
	}
	return done, failed
}

// NextBatchUID hands out a fresh BatchUID for the caller to attach to a
// new set of UserOps before calling AppendBatch.
func (g *Graph) NextBatchUID() BatchUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.batchSeq
	g.batchSeq++
	return b
}

// NextOpUID hands out a fresh OpUID for a caller building UserOps to
// submit via AppendBatch (the RPC facade's diff/merge and tree-action
// handlers are the only producers of brand-new ops outside of tests).
func (g *Graph) NextOpUID() OpUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opUIDHigh++
	return g.opUIDHigh
}

// CancelAllPending implements spec §4.H's startup archival rule for
// cancel_all_pending_ops_on_startup: the entire live graph — not just the
// PENDING/BLOCKED subset — is copied into a dated ops_archive batch, the
// live ops table is cleared, and the in-memory graph is reset empty. It
// returns the destination UIDs of the PENDING/BLOCKED ops whose
// op_type is MKDIR/CP/CP_ONTO, so the caller can remove the
// corresponding planning nodes from the cache.
func (g *Graph) CancelAllPending(ctx context.Context) ([]node.UID, error) {
	all, err := g.store.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var planningUIDs []node.UID
	for i, op := range all {
		if op.State != StatePending && op.State != StateBlocked {
			continue
		}
		if op.Type == OpMKDIR || op.Type == OpCP || op.Type == OpCPOnto {
			if op.HasDst {
				planningUIDs = append(planningUIDs, op.DstNode)
			}
		}
		all[i].State = StateCancelled
	}

	archivedAt := time.Now().Unix()
	if err := g.store.archiveAndClear(ctx, archivedAt, archivedAt, all); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.ops = make(map[OpUID]*UserOp)
	g.preds = make(map[OpUID]edgeSet)
	g.succs = make(map[OpUID]edgeSet)
	g.ready = make(map[OpUID]bool)
	g.mu.Unlock()

	return planningUIDs, nil
}

// LastPendingOpForNode returns the most-recently-submitted non-terminal
// op touching uid (by src or dst), for get_last_pending_op_for_node and
// get_op_exec_play_state.
func (g *Graph) LastPendingOpForNode(uid node.UID) (UserOp, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *UserOp
	for _, op := range g.ops {
		if !op.affectsUID(uid) {
			continue
		}
		switch op.State {
		case StateCompleted, StateCancelled:
			continue
		}
		if best == nil || op.BatchUID > best.BatchUID || (op.BatchUID == best.BatchUID && op.seq > best.seq) {
			best = op
		}
	}
	if best == nil {
		return UserOp{}, false
	}
	return *best, true
}

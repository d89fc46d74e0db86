// Package store is the durable per-device node cache, component C: one
// modernc.org/sqlite database file per device, holding every node the
// cache manager has ever scanned for that device plus its parent edges.
// Grounded on the teacher's backend/delta.DeltaStore (a struct wrapping a
// `getDB func() (*sql.DB, error)` accessor and doing hand-written SQL with
// ON CONFLICT upserts) and on theMichaelB-obsync's internal/state
// SQLiteStore for the schema-in-a-string-constant, WAL-mode, single
// writer-lock-per-file shape.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/node"
)

// Open opens (creating if absent) a sqlite database at path with the
// pragmas the teacher's rclone-adjacent SQL usage assumes: WAL journaling
// so concurrent readers don't block the writer goroutine, and a busy
// timeout so lock contention backs off instead of failing immediately.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer per device file, per spec §5
	return db, nil
}

// NodeStore is the per-device node cache. One instance owns one sqlite
// file exclusively. Writes are serialized by SetMaxOpenConns(1), which
// gives the file a single connection; there is no separate writer
// goroutine or command channel, and NodeStore takes no write lock of its own.
type NodeStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	device   node.DeviceUID
	corrupt  bool
}

// OpenNodeStore opens the store file for one device and applies schema.
func OpenNodeStore(path string, device node.DeviceUID) (*NodeStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &NodeStore{db: db, device: device}, nil
}

func (s *NodeStore) Close() error { return s.db.Close() }

// CheckIntegrity runs sqlite's own integrity_check and flags the store
// corrupt on any result other than "ok", per spec §7's CacheCorrupt kind.
func (s *NodeStore) CheckIntegrity(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		s.markCorrupt()
		return apperrors.New(apperrors.KindCacheCorrupt, "E_STORE_CORRUPT", "integrity check failed to run", err)
	}
	if result != "ok" {
		s.markCorrupt()
		return apperrors.New(apperrors.KindCacheCorrupt, "E_STORE_CORRUPT", "integrity check reported: "+result, nil)
	}
	return nil
}

func (s *NodeStore) markCorrupt() {
	s.mu.Lock()
	s.corrupt = true
	s.mu.Unlock()
}

// IsCorrupt reports whether a prior integrity check or write failure has
// flagged this store, per spec §7's guidance that a corrupt store should
// stop accepting writes and surface CacheCorrupt to every caller.
func (s *NodeStore) IsCorrupt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrupt
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

// UpsertBatch writes a batch of node records transactionally, per spec
// §4.C's "batched upserts and removals are transactional." Violating the
// per-parent name-uniqueness index surfaces as a Precondition error the
// caller (typically the cache manager resolving a scan conflict) decides
// how to handle.
func (s *NodeStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if s.IsCorrupt() {
		return apperrors.ErrStoreCorrupt
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (
			node_uid, kind, name, parent_uid, has_parent, is_live, trashed,
			size_bytes, create_ts, modify_ts, change_ts, sync_ts, md5, sha256,
			goog_id, owner_uid, drive_id, version, mime_type_uid, all_children,
			dir_file_count, dir_count, dir_trashed_files, dir_trashed_dirs,
			dir_size_bytes, dir_trashed_bytes, dir_meta_dirty, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(node_uid) DO UPDATE SET
			kind=excluded.kind, name=excluded.name, parent_uid=excluded.parent_uid,
			has_parent=excluded.has_parent, is_live=excluded.is_live, trashed=excluded.trashed,
			size_bytes=excluded.size_bytes, create_ts=excluded.create_ts, modify_ts=excluded.modify_ts,
			change_ts=excluded.change_ts, sync_ts=excluded.sync_ts, md5=excluded.md5, sha256=excluded.sha256,
			goog_id=excluded.goog_id, owner_uid=excluded.owner_uid, drive_id=excluded.drive_id,
			version=excluded.version, mime_type_uid=excluded.mime_type_uid, all_children=excluded.all_children,
			dir_file_count=excluded.dir_file_count, dir_count=excluded.dir_count,
			dir_trashed_files=excluded.dir_trashed_files, dir_trashed_dirs=excluded.dir_trashed_dirs,
			dir_size_bytes=excluded.dir_size_bytes, dir_trashed_bytes=excluded.dir_trashed_bytes,
			dir_meta_dirty=excluded.dir_meta_dirty, updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.NodeUID, int(r.Kind), r.Name, r.ParentUID, boolToInt(r.HasParent), boolToInt(r.IsLive), int(r.Trashed),
			r.SizeBytes, unixOrZero(r.CreateTs), unixOrZero(r.ModifyTs), unixOrZero(r.ChangeTs), unixOrZero(r.SyncTs),
			r.MD5, r.SHA256, r.GoogID, r.OwnerUID, r.DriveID, r.Version, r.MimeTypeUID, boolToInt(r.AllChildren),
			r.Meta.FileCount, r.Meta.DirCount, r.Meta.TrashedFiles, r.Meta.TrashedDirs,
			r.Meta.SizeBytes, r.Meta.TrashedBytes, boolToInt(r.Meta.Dirty), now,
		); err != nil {
			if isUniqueViolation(err) {
				return apperrors.New(apperrors.KindPrecondition, "E_NAME_COLLISION",
					fmt.Sprintf("a sibling named %q already exists under parent %d", r.Name, r.ParentUID), err)
			}
			return fmt.Errorf("store: upsert node %d: %w", r.NodeUID, err)
		}
		if err := replaceParents(ctx, tx, r.NodeUID, r.ParentUIDs); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit upsert: %w", err)
	}
	return nil
}

func replaceParents(ctx context.Context, tx *sql.Tx, uid node.UID, parents []node.UID) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM node_parents WHERE node_uid = ?", uid); err != nil {
		return fmt.Errorf("store: clear parents for %d: %w", uid, err)
	}
	for _, p := range parents {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO node_parents (node_uid, parent_uid) VALUES (?, ?)", uid, p); err != nil {
			return fmt.Errorf("store: link parent %d->%d: %w", uid, p, err)
		}
	}
	return nil
}

// RemoveBatch deletes nodes by UID transactionally. Callers are
// responsible for having already resolved descendant cascades (spec
// §4.H's RM_TREE semantics) into the flat UID list.
func (s *NodeStore) RemoveBatch(ctx context.Context, uids []node.UID) error {
	if s.IsCorrupt() {
		return apperrors.ErrStoreCorrupt
	}
	if len(uids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin remove tx: %w", err)
	}
	defer tx.Rollback()

	for _, uid := range uids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE node_uid = ?", uid); err != nil {
			return fmt.Errorf("store: remove node %d: %w", uid, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM node_parents WHERE node_uid = ? OR parent_uid = ?", uid, uid); err != nil {
			return fmt.Errorf("store: remove parent edges for %d: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit remove: %w", err)
	}
	return nil
}

// MaxUID returns the highest node_uid persisted, or 0 if the store is
// empty. Callers use this on open to confirm the store never holds a UID
// past the allocator's own high-water-mark (spec §4.C).
func (s *NodeStore) MaxUID(ctx context.Context) (node.UID, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(node_uid), 0) FROM nodes")
	var max node.UID
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("store: max uid: %w", err)
	}
	return max, nil
}

// GetByUID reads a single node record, or (Record{}, false, nil) if absent.
func (s *NodeStore) GetByUID(ctx context.Context, uid node.UID) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+" WHERE node_uid = ?", uid)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get node %d: %w", uid, err)
	}
	r.ParentUIDs, err = s.parentsOf(ctx, uid)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// GetByGoogID looks up a cloud node by its provider-assigned goog_id.
func (s *NodeStore) GetByGoogID(ctx context.Context, googID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+" WHERE goog_id = ?", googID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get node by goog_id %s: %w", googID, err)
	}
	r.ParentUIDs, err = s.parentsOf(ctx, r.NodeUID)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Children returns every node whose parent_uid is parent, name-sorted.
func (s *NodeStore) Children(ctx context.Context, parent node.UID) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+" WHERE parent_uid = ? ORDER BY name", parent)
	if err != nil {
		return nil, fmt.Errorf("store: children of %d: %w", parent, err)
	}
	defer rows.Close()
	return s.scanAll(ctx, rows)
}

// All returns every node in the store; used for full-tree loads on
// startup and for scanner round-trip comparison.
func (s *NodeStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+" ORDER BY node_uid")
	if err != nil {
		return nil, fmt.Errorf("store: list all: %w", err)
	}
	defer rows.Close()
	return s.scanAll(ctx, rows)
}

func (s *NodeStore) scanAll(ctx context.Context, rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		ps, err := s.parentsOf(ctx, out[i].NodeUID)
		if err != nil {
			return nil, err
		}
		out[i].ParentUIDs = ps
	}
	return out, nil
}

func (s *NodeStore) parentsOf(ctx context.Context, uid node.UID) ([]node.UID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT parent_uid FROM node_parents WHERE node_uid = ?", uid)
	if err != nil {
		return nil, fmt.Errorf("store: parents of %d: %w", uid, err)
	}
	defer rows.Close()
	var out []node.UID
	for rows.Next() {
		var p node.UID
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectCols = `SELECT node_uid, kind, name, parent_uid, has_parent, is_live, trashed,
	size_bytes, create_ts, modify_ts, change_ts, sync_ts, md5, sha256,
	goog_id, owner_uid, drive_id, version, mime_type_uid, all_children,
	dir_file_count, dir_count, dir_trashed_files, dir_trashed_dirs,
	dir_size_bytes, dir_trashed_bytes, dir_meta_dirty
	FROM nodes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var kind, trashed int
	var hasParent, isLive, allChildren, dirty int
	var createTs, modifyTs, changeTs, syncTs int64

	err := row.Scan(
		&r.NodeUID, &kind, &r.Name, &r.ParentUID, &hasParent, &isLive, &trashed,
		&r.SizeBytes, &createTs, &modifyTs, &changeTs, &syncTs, &r.MD5, &r.SHA256,
		&r.GoogID, &r.OwnerUID, &r.DriveID, &r.Version, &r.MimeTypeUID, &allChildren,
		&r.Meta.FileCount, &r.Meta.DirCount, &r.Meta.TrashedFiles, &r.Meta.TrashedDirs,
		&r.Meta.SizeBytes, &r.Meta.TrashedBytes, &dirty,
	)
	if err != nil {
		return Record{}, err
	}

	r.Kind = node.Kind(kind)
	r.Trashed = node.TrashedState(trashed)
	r.HasParent = hasParent != 0
	r.IsLive = isLive != 0
	r.AllChildren = allChildren != 0
	r.Meta.Dirty = dirty != 0
	r.CreateTs, r.ModifyTs, r.ChangeTs, r.SyncTs = timeOrZero(createTs), timeOrZero(modifyTs), timeOrZero(changeTs), timeOrZero(syncTs)
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches modernc.org/sqlite's error text for a UNIQUE
// index conflict; the driver doesn't expose a typed sentinel like
// mattn/go-sqlite3's sqlite3.Error, so string matching on "UNIQUE
// constraint failed" is the accepted approach for this driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package opgraph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nsdrive/syncagent/backend/store"
)

const opsSchema = `
CREATE TABLE IF NOT EXISTS ops (
	op_uid      INTEGER PRIMARY KEY,
	batch_uid   INTEGER NOT NULL,
	op_type     INTEGER NOT NULL,
	src_node    INTEGER NOT NULL,
	dst_node    INTEGER NOT NULL,
	has_dst     INTEGER NOT NULL,
	dst_path    TEXT NOT NULL DEFAULT '',
	is_dir      INTEGER NOT NULL DEFAULT 0,
	src_device  INTEGER NOT NULL DEFAULT 0,
	dst_device  INTEGER NOT NULL DEFAULT 0,
	create_ts   INTEGER NOT NULL,
	state       INTEGER NOT NULL,
	err_msg     TEXT NOT NULL DEFAULT '',
	seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ops_batch ON ops(batch_uid);
CREATE INDEX IF NOT EXISTS idx_ops_state ON ops(state);
CREATE TABLE IF NOT EXISTS ops_archive (
	archive_batch INTEGER NOT NULL,
	archived_at   INTEGER NOT NULL,
	op_uid        INTEGER NOT NULL,
	batch_uid     INTEGER NOT NULL,
	op_type       INTEGER NOT NULL,
	src_node      INTEGER NOT NULL,
	dst_node      INTEGER NOT NULL,
	has_dst       INTEGER NOT NULL,
	dst_path      TEXT NOT NULL DEFAULT '',
	is_dir        INTEGER NOT NULL DEFAULT 0,
	src_device    INTEGER NOT NULL DEFAULT 0,
	dst_device    INTEGER NOT NULL DEFAULT 0,
	create_ts     INTEGER NOT NULL,
	state         INTEGER NOT NULL,
	err_msg       TEXT NOT NULL DEFAULT '',
	seq           INTEGER NOT NULL,
	PRIMARY KEY (archive_batch, op_uid)
);
CREATE INDEX IF NOT EXISTS idx_ops_archive_batch ON ops_archive(archive_batch);
`

// opStore is the durable side of the graph: one `ops` row per UserOp,
// reusing backend/store's generic sqlite opener (spec's own C/H component
// boundary — the node cache and the op graph are separate schemas, each
// owning its file).
type opStore struct {
	db *sql.DB
}

func openOpStore(path string) (*opStore, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(opsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("opgraph: create schema: %w", err)
	}
	return &opStore{db: db}, nil
}

func (s *opStore) close() error { return s.db.Close() }

func (s *opStore) persistBatch(ctx context.Context, ops []UserOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ops (op_uid, batch_uid, op_type, src_node, dst_node, has_dst, dst_path, is_dir, src_device, dst_device, create_ts, state, err_msg, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_uid) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, op := range ops {
		if _, err := stmt.ExecContext(ctx, op.OpUID, op.BatchUID, int(op.Type), op.SrcNode, op.DstNode,
			boolToInt(op.HasDst), op.DstPath, boolToInt(op.IsDir), op.SrcDevice, op.DstDevice,
			op.CreateTs.UnixNano(), int(op.State), op.Err, op.seq); err != nil {
			return fmt.Errorf("insert op %d: %w", op.OpUID, err)
		}
	}
	return tx.Commit()
}

func (s *opStore) updateState(ctx context.Context, op UserOp) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ops SET state = ?, err_msg = ? WHERE op_uid = ?`,
		int(op.State), op.Err, op.OpUID)
	return err
}

// loadPending restores every non-terminal op for the "planning nodes
// survive restart" scenario (spec §4.H acceptance test 3).
func (s *opStore) loadPending(ctx context.Context) ([]UserOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_uid, batch_uid, op_type, src_node, dst_node, has_dst, dst_path, is_dir, src_device, dst_device, create_ts, state, err_msg, seq
		FROM ops WHERE state IN (?, ?, ?)`, int(StatePending), int(StateInProgress), int(StateBlocked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserOp
	for rows.Next() {
		var op UserOp
		var opType, state, hasDst, isDir int
		var createTsNanos int64
		if err := rows.Scan(&op.OpUID, &op.BatchUID, &opType, &op.SrcNode, &op.DstNode, &hasDst,
			&op.DstPath, &isDir, &op.SrcDevice, &op.DstDevice, &createTsNanos, &state, &op.Err, &op.seq); err != nil {
			return nil, err
		}
		op.Type = OpType(opType)
		op.State = OpState(state)
		op.HasDst = hasDst != 0
		op.IsDir = isDir != 0
		op.CreateTs = time.Unix(0, createTsNanos)
		// An op restored while IN_PROGRESS was interrupted mid-flight;
		// re-queue it as PENDING so the executor picks it up again.
		if op.State == StateInProgress {
			op.State = StatePending
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// loadAll returns every op regardless of state, for startup archival.
func (s *opStore) loadAll(ctx context.Context) ([]UserOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_uid, batch_uid, op_type, src_node, dst_node, has_dst, dst_path, is_dir, src_device, dst_device, create_ts, state, err_msg, seq
		FROM ops`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserOp
	for rows.Next() {
		var op UserOp
		var opType, state, hasDst, isDir int
		var createTsNanos int64
		if err := rows.Scan(&op.OpUID, &op.BatchUID, &opType, &op.SrcNode, &op.DstNode, &hasDst,
			&op.DstPath, &isDir, &op.SrcDevice, &op.DstDevice, &createTsNanos, &state, &op.Err, &op.seq); err != nil {
			return nil, err
		}
		op.Type = OpType(opType)
		op.State = OpState(state)
		op.HasDst = hasDst != 0
		op.IsDir = isDir != 0
		op.CreateTs = time.Unix(0, createTsNanos)
		out = append(out, op)
	}
	return out, rows.Err()
}

// archiveAndClear copies every op in ops (dated by archivedAt, grouped
// under archiveBatch) into ops_archive, then deletes the entire live ops
// table, per spec §4.H's "startup archival" rule: the whole live graph
// moves to a dated archive table before the graph is cleared.
func (s *opStore) archiveAndClear(ctx context.Context, archiveBatch, archivedAt int64, ops []UserOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ops_archive (
			archive_batch, archived_at, op_uid, batch_uid, op_type, src_node, dst_node,
			has_dst, dst_path, is_dir, src_device, dst_device, create_ts, state, err_msg, seq
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, op := range ops {
		if _, err := stmt.ExecContext(ctx, archiveBatch, archivedAt, op.OpUID, op.BatchUID, int(op.Type),
			op.SrcNode, op.DstNode, boolToInt(op.HasDst), op.DstPath, boolToInt(op.IsDir),
			op.SrcDevice, op.DstDevice, op.CreateTs.UnixNano(), int(op.State), op.Err, op.seq); err != nil {
			return fmt.Errorf("archive op %d: %w", op.OpUID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ops"); err != nil {
		return fmt.Errorf("clear live ops: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

// schema is applied on every Open call; CREATE TABLE/INDEX IF NOT EXISTS
// makes it idempotent across restarts, the same pattern the teacher's
// delta package relies on its caller to have already run once per DB.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_uid       INTEGER PRIMARY KEY,
	kind           INTEGER NOT NULL,
	name           TEXT NOT NULL,
	parent_uid     INTEGER,
	has_parent     INTEGER NOT NULL DEFAULT 0,
	is_live        INTEGER NOT NULL DEFAULT 1,
	trashed        INTEGER NOT NULL DEFAULT 0,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	create_ts      INTEGER NOT NULL DEFAULT 0,
	modify_ts      INTEGER NOT NULL DEFAULT 0,
	change_ts      INTEGER NOT NULL DEFAULT 0,
	sync_ts        INTEGER NOT NULL DEFAULT 0,
	md5            TEXT NOT NULL DEFAULT '',
	sha256         TEXT NOT NULL DEFAULT '',
	goog_id        TEXT NOT NULL DEFAULT '',
	owner_uid      INTEGER NOT NULL DEFAULT 0,
	drive_id       TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 0,
	mime_type_uid  INTEGER NOT NULL DEFAULT 0,
	all_children   INTEGER NOT NULL DEFAULT 0,
	dir_file_count    INTEGER NOT NULL DEFAULT 0,
	dir_count         INTEGER NOT NULL DEFAULT 0,
	dir_trashed_files INTEGER NOT NULL DEFAULT 0,
	dir_trashed_dirs  INTEGER NOT NULL DEFAULT 0,
	dir_size_bytes    INTEGER NOT NULL DEFAULT 0,
	dir_trashed_bytes INTEGER NOT NULL DEFAULT 0,
	dir_meta_dirty    INTEGER NOT NULL DEFAULT 1,
	updated_at     INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_parent_name
	ON nodes(parent_uid, name)
	WHERE has_parent = 1 AND trashed = 0;

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_uid);
CREATE INDEX IF NOT EXISTS idx_nodes_goog_id ON nodes(goog_id) WHERE goog_id != '';

-- node_parents holds every (node_uid, parent_uid) edge for multi-parented
-- cloud nodes; single-parent nodes still get one row here so callers can
-- always resolve parents the same way regardless of node kind.
CREATE TABLE IF NOT EXISTS node_parents (
	node_uid   INTEGER NOT NULL,
	parent_uid INTEGER NOT NULL,
	PRIMARY KEY (node_uid, parent_uid)
);

CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

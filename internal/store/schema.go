package store

import "database/sql"

// Schema is the complete talemon state store schema.
const Schema = `
-- Monitored URLs and their scheduling state
CREATE TABLE IF NOT EXISTS pages (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    url              TEXT NOT NULL,
    hash             TEXT NOT NULL,
    domain           TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PENDING'
                     CHECK (status IN ('PENDING','PROCESSING','PAUSED')),
    last_clean_hash  TEXT NOT NULL DEFAULT '',
    last_check_at    INTEGER,
    next_schedule_at INTEGER NOT NULL,
    heartbeat_at     INTEGER,
    check_interval   INTEGER NOT NULL DEFAULT 3600000,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uk_pages_url  ON pages(url);
CREATE UNIQUE INDEX IF NOT EXISTS uk_pages_hash ON pages(hash);
CREATE INDEX IF NOT EXISTS idx_pages_status_schedule
    ON pages(status, next_schedule_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_pages_heartbeat
    ON pages(heartbeat_at) WHERE status = 'PROCESSING';
CREATE INDEX IF NOT EXISTS idx_pages_domain ON pages(domain);

-- Persisted captures, one per detected content change
CREATE TABLE IF NOT EXISTS page_snapshots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id            INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    snapshot_timestamp INTEGER NOT NULL,
    oss_path           TEXT NOT NULL,
    content_hash       TEXT NOT NULL,
    clean_hash         TEXT NOT NULL,
    created_at         INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uk_snapshots_page_hash
    ON page_snapshots(page_id, clean_hash);
CREATE UNIQUE INDEX IF NOT EXISTS uk_snapshots_page_time
    ON page_snapshots(page_id, snapshot_timestamp);
CREATE INDEX IF NOT EXISTS idx_snapshots_time
    ON page_snapshots(snapshot_timestamp DESC);

-- Per-attempt audit trail, written on every graceful worker attempt
CREATE TABLE IF NOT EXISTS page_monitors (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id           INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    monitor_timestamp INTEGER NOT NULL,
    content_hash      TEXT NOT NULL DEFAULT '',
    clean_hash        TEXT NOT NULL DEFAULT '',
    change_detected   INTEGER NOT NULL DEFAULT 0,
    http_status       INTEGER,
    error_message     TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uk_monitors_page_time
    ON page_monitors(page_id, monitor_timestamp);
CREATE INDEX IF NOT EXISTS idx_monitors_page_time
    ON page_monitors(page_id, monitor_timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_monitors_change
    ON page_monitors(change_detected) WHERE change_detected = 1;

-- Extractor output, exactly one row per (snapshot, extractor version)
CREATE TABLE IF NOT EXISTS page_infos (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id       INTEGER NOT NULL REFERENCES page_snapshots(id) ON DELETE CASCADE,
    extractor_version TEXT NOT NULL,
    data              TEXT NOT NULL,
    created_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uk_infos_snapshot_version
    ON page_infos(snapshot_id, extractor_version);
CREATE INDEX IF NOT EXISTS idx_infos_snapshot ON page_infos(snapshot_id);
`

// Migration001HeartbeatOwner adds the lease owner stamp. Heartbeats and
// commits are conditional on it, so a reclaimed-and-redispatched page can
// never be written by its previous holder.
const Migration001HeartbeatOwner = `
ALTER TABLE pages ADD COLUMN heartbeat_owner TEXT NOT NULL DEFAULT '';
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	applyColumnMigration(db, "pages", "heartbeat_owner", Migration001HeartbeatOwner)
	return nil
}

// applyColumnMigration adds a column if it doesn't exist (idempotent).
func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}

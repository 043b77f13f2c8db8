// Package observability records pipeline counters and process liveness in
// SQLite, alongside the state store. Persistence is async and non-blocking:
// a full buffer drops datapoints rather than applying backpressure to the
// capture path.
package observability

import "database/sql"

// Schema contains the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

CREATE TABLE IF NOT EXISTS service_heartbeats (
    heartbeat_id     TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    service_name     TEXT NOT NULL,
    instance_id      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    pid              INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    memory_sys_mb    REAL,
    gc_count         INTEGER,
    created_at       INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_service_time
    ON service_heartbeats(service_name, timestamp DESC);
`

// Init applies the observability schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Pipeline metric names.
const (
	MetricPagesDispatched    = "pages_dispatched"
	MetricZombiesReclaimed   = "zombies_reclaimed"
	MetricPagesCaptured      = "pages_captured"
	MetricPagesUnchanged     = "pages_unchanged"
	MetricAttemptsFailed     = "attempts_failed"
	MetricSnapshotsExtracted = "snapshots_extracted"
)

package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter writes periodic liveness probes for one process to the
// service_heartbeats table. This is process-level observability, distinct
// from the per-page lease heartbeat in the pages table.
type HeartbeatWriter struct {
	db         *sql.DB
	service    string
	instanceID string
	hostname   string
	pid        int
	interval   time.Duration
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, service, instanceID string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		service:    service,
		instanceID: instanceID,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
	}
}

// Run writes one heartbeat immediately, then repeats on the interval until
// ctx is cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	if err := hw.write(ctx); err != nil {
		slog.Error("observability: heartbeat", "error", err, "service", hw.service)
	}

	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hw.write(ctx); err != nil && ctx.Err() == nil {
				slog.Error("observability: heartbeat", "error", err, "service", hw.service)
			}
		}
	}
}

func (hw *HeartbeatWriter) write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO service_heartbeats (
			service_name, instance_id, hostname, pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.service, hw.instanceID, hw.hostname, hw.pid, time.Now().Unix(),
		runtime.NumGoroutine(),
		float64(mem.Alloc)/1024/1024,
		float64(mem.Sys)/1024/1024,
		mem.NumGC)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// ServiceStatus is the latest heartbeat per service instance.
type ServiceStatus struct {
	Service         string  `json:"service"`
	InstanceID      string  `json:"instance_id"`
	Hostname        string  `json:"hostname"`
	PID             int     `json:"pid"`
	Timestamp       int64   `json:"timestamp"`
	GoroutinesCount int     `json:"goroutines_count"`
	MemoryAllocMB   float64 `json:"memory_alloc_mb"`
	Alive           bool    `json:"alive"`
}

// Services returns the most recent heartbeat per instance; an instance is
// alive when its last beat is within staleness.
func Services(ctx context.Context, db *sql.DB, staleness time.Duration) ([]ServiceStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT service_name, instance_id, hostname, pid,
		       MAX(timestamp), goroutines_count, memory_alloc_mb
		FROM service_heartbeats
		GROUP BY service_name, instance_id
		ORDER BY service_name, instance_id`)
	if err != nil {
		return nil, fmt.Errorf("observability: services: %w", err)
	}
	defer rows.Close()

	threshold := time.Now().Add(-staleness).Unix()
	var out []ServiceStatus
	for rows.Next() {
		var s ServiceStatus
		if err := rows.Scan(&s.Service, &s.InstanceID, &s.Hostname, &s.PID,
			&s.Timestamp, &s.GoroutinesCount, &s.MemoryAllocMB); err != nil {
			return nil, err
		}
		s.Alive = s.Timestamp >= threshold
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupHeartbeats deletes beats older than the retention window.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM service_heartbeats WHERE timestamp < ?`,
		time.Now().Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}

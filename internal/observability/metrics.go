package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
}

// Metrics buffers datapoints and flushes them to SQLite in batches.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetrics creates a manager. Recommended: bufferSize=100, flushInterval=5s.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration) *Metrics {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Count queues a counter increment. Non-blocking.
func (m *Metrics) Count(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, Metric{Name: name, Timestamp: time.Now(), Value: value})
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// Totals returns the summed value per metric since the given instant.
func (m *Metrics) Totals(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT metric_name, SUM(value) FROM metrics_timeseries
		WHERE timestamp >= ? GROUP BY metric_name`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("observability: totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var sum float64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, err
		}
		out[name] = sum
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than the retention window.
func (m *Metrics) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM metrics_timeseries WHERE timestamp < ?`,
		time.Now().Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining datapoints and stops the background goroutine.
func (m *Metrics) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	// Take the batch off the buffer up front: a failed flush drops these
	// datapoints instead of letting the buffer grow while the DB is down.
	batch := m.buffer
	m.buffer = m.buffer[:0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability: begin flush tx", "error", err, "dropped", len(batch))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES (?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability: prepare flush", "error", err, "dropped", len(batch))
		return
	}
	defer stmt.Close()

	for _, dp := range batch {
		if _, err := stmt.ExecContext(ctx, dp.Name, dp.Timestamp.Unix(), dp.Value); err != nil {
			slog.Error("observability: insert metric", "error", err, "metric", dp.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability: commit flush", "error", err, "dropped", len(batch))
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrInfoNotFound is returned when no extractor output exists for a
// (snapshot, version) pair.
var ErrInfoNotFound = errors.New("store: page info not found")

const snapshotColumns = `id, page_id, snapshot_timestamp, oss_path, content_hash, clean_hash, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*Snapshot, error) {
	var s Snapshot
	err := row.Scan(&s.ID, &s.PageID, &s.SnapshotTimestamp, &s.OSSPath,
		&s.ContentHash, &s.CleanHash, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSnapshots returns a page's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, pageID int64, limit int) ([]*Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM page_snapshots
		WHERE page_id = ? ORDER BY snapshot_timestamp DESC LIMIT ?`,
		pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AllSnapshots returns every snapshot, oldest first. Used by out-of-band
// tools and the object-store consistency check in tests.
func (s *Store) AllSnapshots(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM page_snapshots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: all snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListMonitors returns a page's attempt trail, newest first.
func (s *Store) ListMonitors(ctx context.Context, pageID int64, limit int) ([]*Monitor, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, page_id, monitor_timestamp, content_hash, clean_hash,
		       change_detected, http_status, error_message, created_at
		FROM page_monitors
		WHERE page_id = ? ORDER BY monitor_timestamp DESC LIMIT ?`,
		pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list monitors: %w", err)
	}
	defer rows.Close()

	var out []*Monitor
	for rows.Next() {
		var m Monitor
		var httpStatus sql.NullInt64
		err := rows.Scan(&m.ID, &m.PageID, &m.MonitorTimestamp, &m.ContentHash,
			&m.CleanHash, &m.ChangeDetected, &httpStatus, &m.ErrorMessage, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan monitor: %w", err)
		}
		if httpStatus.Valid {
			v := int(httpStatus.Int64)
			m.HTTPStatus = &v
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UnextractedSnapshots returns up to limit snapshots that have no PageInfo
// row for the given extractor version, oldest first. The anti-join makes the
// extractor loop restartable: whatever a crashed run missed is selected
// again next tick.
func (s *Store) UnextractedSnapshots(ctx context.Context, version string, limit int) ([]*Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM page_snapshots s
		WHERE NOT EXISTS (
			SELECT 1 FROM page_infos i
			WHERE i.snapshot_id = s.id AND i.extractor_version = ?
		)
		ORDER BY s.id LIMIT ?`,
		version, limit)
	if err != nil {
		return nil, fmt.Errorf("store: unextracted snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertInfo stores one extractor result. Returns false when a row for
// (snapshot_id, version) already exists; concurrent extractors race here and
// exactly one wins.
func (s *Store) InsertInfo(ctx context.Context, snapshotID int64, version, data string, nowMs int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO page_infos (snapshot_id, extractor_version, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (snapshot_id, extractor_version) DO NOTHING`,
		snapshotID, version, data, nowMs)
	if err != nil {
		return false, fmt.Errorf("store: insert info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetInfo returns the extractor output for one (snapshot, version).
func (s *Store) GetInfo(ctx context.Context, snapshotID int64, version string) (*Info, error) {
	var info Info
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, snapshot_id, extractor_version, data, created_at
		FROM page_infos WHERE snapshot_id = ? AND extractor_version = ?`,
		snapshotID, version).
		Scan(&info.ID, &info.SnapshotID, &info.ExtractorVersion, &info.Data, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInfoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get info: %w", err)
	}
	return &info, nil
}

// Stats returns the aggregate counters served by the admin API.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{PagesByStatus: make(map[string]int)}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: stats pages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.PagesByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"page_snapshots", &st.Snapshots},
		{"page_monitors", &st.Monitors},
		{"page_infos", &st.Infos},
	} {
		if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("store: stats %s: %w", q.table, err)
		}
	}
	return st, nil
}

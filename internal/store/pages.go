package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPageNotFound is returned by lookups and admin mutations when no page
// matches.
var ErrPageNotFound = errors.New("store: page not found")

const pageColumns = `id, url, hash, domain, status, last_clean_hash,
	last_check_at, next_schedule_at, heartbeat_at, heartbeat_owner,
	check_interval, created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var lastCheck, heartbeat sql.NullInt64
	err := row.Scan(&p.ID, &p.URL, &p.Hash, &p.Domain, &p.Status,
		&p.LastCleanHash, &lastCheck, &p.NextScheduleAt, &heartbeat,
		&p.HeartbeatOwner, &p.CheckInterval, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		p.LastCheckAt = &lastCheck.Int64
	}
	if heartbeat.Valid {
		p.HeartbeatAt = &heartbeat.Int64
	}
	return &p, nil
}

// CreatePage inserts a new monitored page in PENDING state, due immediately.
// url must already be validated; hash is sha1(url) lowercase hex and domain
// is the rate-limit key. Returns ErrDuplicatePage when the URL or hash is
// already monitored.
func (s *Store) CreatePage(ctx context.Context, url, hash, domain string, checkInterval time.Duration, now time.Time) (*Page, error) {
	ms := toMs(now)
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO pages (url, hash, domain, status, next_schedule_at, check_interval, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?)
		RETURNING `+pageColumns,
		url, hash, domain, ms, checkInterval.Milliseconds(), ms, ms)
	p, err := scanPage(row)
	if isUniqueViolation(err) {
		return nil, ErrDuplicatePage
	}
	if err != nil {
		return nil, fmt.Errorf("store: create page: %w", err)
	}
	return p, nil
}

// GetPage returns one page by id.
func (s *Store) GetPage(ctx context.Context, id int64) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get page: %w", err)
	}
	return p, nil
}

// GetPageByURL returns one page by its URL.
func (s *Store) GetPageByURL(ctx context.Context, url string) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE url = ?`, url)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get page by url: %w", err)
	}
	return p, nil
}

// ListPages returns pages ordered by id, optionally filtered by status.
func (s *Store) ListPages(ctx context.Context, status string, limit int) ([]*Page, error) {
	q := `SELECT ` + pageColumns + ` FROM pages`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pages: %w", err)
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PausePage takes a page out of scheduling from any state. A paused page is
// never selected as a candidate; a lease held at pause time simply expires
// unused (release and heartbeat writes are conditional on PROCESSING).
func (s *Store) PausePage(ctx context.Context, id int64, now time.Time) error {
	return s.setStatus(ctx, id, StatusPaused, now)
}

// ResumePage returns a paused page to PENDING, due immediately.
func (s *Store) ResumePage(ctx context.Context, id int64, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pages
		SET status = 'PENDING', heartbeat_at = NULL, heartbeat_owner = '',
		    next_schedule_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PAUSED'`,
		toMs(now), toMs(now), id)
	if err != nil {
		return fmt.Errorf("store: resume page: %w", err)
	}
	return requireRow(res)
}

// CheckNow makes a page due immediately without touching its status. A
// PROCESSING row belongs to its lease holder and is left alone; the release
// write sets next_schedule_at anyway. Returns ErrPageNotFound for missing
// and leased pages alike.
func (s *Store) CheckNow(ctx context.Context, id int64, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pages SET next_schedule_at = ?, updated_at = ?
		WHERE id = ? AND status != 'PROCESSING'`,
		toMs(now), toMs(now), id)
	if err != nil {
		return fmt.Errorf("store: check now: %w", err)
	}
	return requireRow(res)
}

func (s *Store) setStatus(ctx context.Context, id int64, status string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pages SET status = ?, heartbeat_at = NULL, heartbeat_owner = '', updated_at = ?
		WHERE id = ?`,
		status, toMs(now), id)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPageNotFound
	}
	return nil
}

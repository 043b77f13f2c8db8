package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Candidate is a due page as seen by the admission step: just enough to
// apply the per-domain rate limit before claiming.
type Candidate struct {
	ID     int64
	Domain string
}

// DueCandidates returns up to limit PENDING pages whose next_schedule_at has
// passed, in random order. Random rather than FIFO on purpose: it spreads
// consecutive dispatches across domains.
func (s *Store) DueCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, domain FROM pages
		WHERE status = 'PENDING' AND next_schedule_at <= ?
		ORDER BY RANDOM()
		LIMIT ?`,
		toMs(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Domain); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimPages transitions the given pages to PROCESSING in one statement,
// stamping the claimant as lease owner, and returns the rows actually won.
// The WHERE re-checks status and dueness, so ids claimed by a concurrent
// process since candidate selection simply drop out of the result; SQLite's
// writer serialization guarantees no id is won twice.
func (s *Store) ClaimPages(ctx context.Context, ids []int64, owner string, now time.Time) ([]*Page, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ms := toMs(now)
	args := []any{owner, ms, ms}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ms)

	rows, err := s.DB.QueryContext(ctx, `
		UPDATE pages
		SET status = 'PROCESSING', heartbeat_owner = ?, heartbeat_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
		  AND status = 'PENDING' AND next_schedule_at <= ?
		RETURNING `+pageColumns,
		args...)
	if err != nil {
		return nil, fmt.Errorf("store: claim pages: %w", err)
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan claimed page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReclaimZombies releases every lease whose heartbeat predates cutoff,
// returning the pages to PENDING in one set-based statement. Idempotent;
// safe to run from any number of processes.
func (s *Store) ReclaimZombies(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pages
		SET status = 'PENDING', heartbeat_at = NULL, heartbeat_owner = '', updated_at = ?
		WHERE status = 'PROCESSING' AND heartbeat_at < ?`,
		toMs(now), toMs(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: reclaim zombies: %w", err)
	}
	return res.RowsAffected()
}

// Heartbeat extends the lease on a page. The write is conditional on the
// page still being PROCESSING under the same owner, so a worker whose lease
// was reclaimed (and possibly re-dispatched) learns about it here and must
// abandon the job. Returns ErrLeaseLost in that case.
func (s *Store) Heartbeat(ctx context.Context, pageID int64, owner string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pages SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND heartbeat_owner = ?`,
		toMs(now), toMs(now), pageID, owner)
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

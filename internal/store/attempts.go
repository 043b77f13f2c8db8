package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// The three graceful ways a worker attempt ends. Each writes the audit row
// and releases the lease in one transaction, so the monitor trail and the
// page's scheduling state can never disagree. All release writes are
// conditional on the caller still owning the lease; ErrLeaseLost means the
// page was reclaimed mid-attempt and nothing was written.

// RecordFailure audits an attempt that never produced hashes: a non-2xx
// navigation, a browser error, or a fingerprint error. httpStatus may be nil
// when the request itself failed. The page is released and rescheduled
// normally; failures retry on the regular interval, never immediately.
func (s *Store) RecordFailure(ctx context.Context, page *Page, owner string, now time.Time, httpStatus *int, errMsg string) error {
	return s.finishAttempt(ctx, page, owner, now, attempt{
		httpStatus:   httpStatus,
		errorMessage: errMsg,
	})
}

// RecordUnchanged audits an attempt whose clean hash matched the stored one.
// Both hashes are kept for the trail; last_check_at advances and the page is
// rescheduled.
func (s *Store) RecordUnchanged(ctx context.Context, page *Page, owner string, now time.Time, contentHash, cleanHash string) error {
	return s.finishAttempt(ctx, page, owner, now, attempt{
		contentHash: contentHash,
		cleanHash:   cleanHash,
		checked:     true,
	})
}

// RecordSnapshot commits a detected change: the snapshot row (deduplicated
// on (page_id, clean_hash) — a conflict means another attempt already stored
// this content and is not an error), the change_detected monitor row, and
// the page release with last_clean_hash advanced, all in one transaction.
// The object-store blobs under ossPath must already be fully written.
func (s *Store) RecordSnapshot(ctx context.Context, page *Page, owner string, capturedAt time.Time, ossPath, contentHash, cleanHash string) error {
	return s.finishAttempt(ctx, page, owner, capturedAt, attempt{
		contentHash: contentHash,
		cleanHash:   cleanHash,
		checked:     true,
		snapshot:    true,
		ossPath:     ossPath,
	})
}

type attempt struct {
	contentHash  string
	cleanHash    string
	httpStatus   *int
	errorMessage string
	checked      bool // reached the fingerprint: advance last_check_at and last_clean_hash
	snapshot     bool // content changed: also insert the snapshot row
	ossPath      string
}

func (s *Store) finishAttempt(ctx context.Context, page *Page, owner string, now time.Time, a attempt) error {
	ms := toMs(now)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin attempt tx: %w", err)
	}
	defer tx.Rollback()

	// Release first: if the lease is gone this attempt must leave no trace.
	var res sql.Result
	if a.checked {
		res, err = tx.ExecContext(ctx, `
			UPDATE pages
			SET status = 'PENDING', heartbeat_at = NULL, heartbeat_owner = '',
			    last_check_at = ?, last_clean_hash = ?,
			    next_schedule_at = ?, updated_at = ?
			WHERE id = ? AND status = 'PROCESSING' AND heartbeat_owner = ?`,
			ms, a.cleanHash, ms+page.CheckInterval, ms, page.ID, owner)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE pages
			SET status = 'PENDING', heartbeat_at = NULL, heartbeat_owner = '',
			    next_schedule_at = ?, updated_at = ?
			WHERE id = ? AND status = 'PROCESSING' AND heartbeat_owner = ?`,
			ms+page.CheckInterval, ms, page.ID, owner)
	}
	if err != nil {
		return fmt.Errorf("store: release page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}

	if a.snapshot {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO page_snapshots (page_id, snapshot_timestamp, oss_path, content_hash, clean_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (page_id, clean_hash) DO NOTHING`,
			page.ID, ms, a.ossPath, a.contentHash, a.cleanHash, ms)
		if err != nil {
			return fmt.Errorf("store: insert snapshot: %w", err)
		}
	}

	var httpStatus any
	if a.httpStatus != nil {
		httpStatus = *a.httpStatus
	}
	// Two attempts for one page can complete within the same millisecond;
	// bump the timestamp past the collision so both keep their audit row.
	for monitorTS := ms; ; monitorTS++ {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO page_monitors (page_id, monitor_timestamp, content_hash, clean_hash, change_detected, http_status, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			page.ID, monitorTS, a.contentHash, a.cleanHash, boolInt(a.snapshot), httpStatus, a.errorMessage, ms)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) || monitorTS > ms+10 {
			return fmt.Errorf("store: insert monitor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit attempt: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package store is the authoritative state store: pages and their
// scheduling state, snapshots, per-attempt monitor events and extracted
// info, backed by WAL-mode SQLite.
//
// All timestamps are INTEGER epoch milliseconds UTC; zero means unset on
// scanned structs (the columns themselves hold real NULLs). Claim, heartbeat
// and release operations take explicit instants so callers and tests control
// the clock.
package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Page status values.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusPaused     = "PAUSED"
)

// ErrDuplicatePage is returned when a page with the same URL already exists.
var ErrDuplicatePage = errors.New("store: page with this URL already exists")

// ErrLeaseLost is returned when a heartbeat, release or commit finds the
// page no longer leased to the caller (reclaimed, paused, or re-claimed by
// another worker).
var ErrLeaseLost = errors.New("store: lease lost")

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	DB *sql.DB
}

// New creates a Store around an open database.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

func toMs(t time.Time) int64 {
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

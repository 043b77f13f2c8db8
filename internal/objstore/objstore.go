// Package objstore is the append-only blob repository for capture artifacts.
// Keys are content-addressed: data/{url_hash}/{YYMMDD.HHMMSS}/{artifact}.
// Two backends: local filesystem (default) and a GCS bucket.
package objstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Artifact file names within one capture directory.
const (
	DOMFile        = "dom.html"
	SourceFile     = "source.html"
	MHTMLFile      = "page.mhtml"
	ScreenshotFile = "screenshot.png"
)

// Store is the blob interface the worker writes to and the extractor reads
// from. Implementations must be safe for concurrent use.
type Store interface {
	// Save writes data under key, creating intermediate hierarchy as needed.
	Save(ctx context.Context, key string, data []byte) error
	// Read returns the blob at key.
	Read(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a blob is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and parameterises a backend.
type Config struct {
	Backend string // local | gcs
	RootDir string // local: filesystem root
	Bucket  string // gcs: bucket name
}

// New constructs the configured backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.RootDir), nil
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("objstore: gcs backend requires a bucket")
		}
		return NewGCS(cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("objstore: unknown backend %q", cfg.Backend)
	}
}

// URLHash returns the 40-character lowercase hex SHA-1 of a page URL, the
// first path segment of every capture key and the page's alternate identity.
func URLHash(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// TimestampSegment formats a capture instant as the UTC path segment
// YYMMDD.HHMMSS.
func TimestampSegment(t time.Time) string {
	return t.UTC().Format("060102.150405")
}

// BasePath builds the capture directory key for one snapshot:
// {prefix}/{url_hash}/{YYMMDD.HHMMSS}/. This exact string is persisted as
// the snapshot's oss_path, so stored references always name real keys.
func BasePath(prefix, urlHash string, capturedAt time.Time) string {
	return prefix + "/" + urlHash + "/" + TimestampSegment(capturedAt) + "/"
}

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects in a Google Cloud Storage bucket. The client
// is initialized on first use so construction stays cheap and local-backend
// deployments never touch credentials.
type GCS struct {
	bucket string

	mu     sync.Mutex
	client *storage.Client
}

// NewGCS returns a bucket-backed store. Credentials come from the
// environment (application default credentials).
func NewGCS(bucket string) *GCS {
	return &GCS{bucket: bucket}
}

func (g *GCS) handle(ctx context.Context) (*storage.BucketHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
		if err != nil {
			return nil, fmt.Errorf("objstore: gcs client: %w", err)
		}
		g.client = client
	}
	return g.client.Bucket(g.bucket), nil
}

// Save implements Store.
func (g *GCS) Save(ctx context.Context, key string, data []byte) error {
	bkt, err := g.handle(ctx)
	if err != nil {
		return err
	}
	w := bkt.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("objstore: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objstore: gcs close %s: %w", key, err)
	}
	return nil
}

// Read implements Store.
func (g *GCS) Read(ctx context.Context, key string) ([]byte, error) {
	bkt, err := g.handle(ctx)
	if err != nil {
		return nil, err
	}
	r, err := bkt.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: gcs read %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objstore: gcs read %s: %w", key, err)
	}
	return data, nil
}

// Exists implements Store.
func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	bkt, err := g.handle(ctx)
	if err != nil {
		return false, err
	}
	_, err = bkt.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objstore: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

// List implements Store.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	bkt, err := g.handle(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("objstore: gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

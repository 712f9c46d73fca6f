//go:build gcp

package bundle

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSArchive stores run bundles in a GCS bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a GCS-backed bundle archive.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newGCSArchiveFromEnv(ctx context.Context) (Archive, error) {
	bucket := os.Getenv("BUNDLE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("bundle: BUNDLE_GCS_BUCKET is required for GCS archive")
	}
	return NewGCSArchive(ctx, GCSArchiveConfig{
		Bucket: bucket,
		Prefix: os.Getenv("BUNDLE_GCS_PREFIX"),
	})
}

func (a *GCSArchive) key(runID, name string) string {
	return a.prefix + runID + "/" + name
}

// Put uploads one artifact.
func (a *GCSArchive) Put(ctx context.Context, runID, name string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(a.key(runID, name)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("bundle: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bundle: gcs commit failed: %w", err)
	}
	return nil
}

// Get downloads one artifact.
func (a *GCSArchive) Get(ctx context.Context, runID, name string) ([]byte, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.key(runID, name)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: gcs read failed: %w", err)
	}
	defer r.Close() //nolint:errcheck
	return io.ReadAll(r)
}

// List returns the artifact names archived for a run.
func (a *GCSArchive) List(ctx context.Context, runID string) ([]string, error) {
	prefix := a.prefix + runID + "/"
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundle: gcs list failed: %w", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, prefix))
	}
	return names, nil
}

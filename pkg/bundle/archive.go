package bundle

import (
	"context"
	"fmt"
	"os"
)

// Archive stores completed run bundles outside the local filesystem.
// Objects are keyed <runID>/<artifact name>; content bytes are preserved
// exactly so artifact hashes survive a round trip.
type Archive interface {
	Put(ctx context.Context, runID, name string, data []byte) error
	Get(ctx context.Context, runID, name string) ([]byte, error)
	List(ctx context.Context, runID string) ([]string, error)
}

// ArchiveType selects the archive backend.
type ArchiveType string

const (
	ArchiveTypeS3  ArchiveType = "s3"
	ArchiveTypeGCS ArchiveType = "gcs"
)

// NewArchiveFromEnv constructs an archive from environment configuration.
//
//   - BUNDLE_ARCHIVE_TYPE: "s3" or "gcs"
//   - S3: BUNDLE_S3_BUCKET (required), BUNDLE_S3_REGION / AWS_REGION,
//     BUNDLE_S3_ENDPOINT (MinIO/LocalStack), BUNDLE_S3_PREFIX
//   - GCS: BUNDLE_GCS_BUCKET (required), BUNDLE_GCS_PREFIX (build tag gcp)
func NewArchiveFromEnv(ctx context.Context) (Archive, error) {
	switch ArchiveType(os.Getenv("BUNDLE_ARCHIVE_TYPE")) {
	case ArchiveTypeS3:
		return newS3ArchiveFromEnv(ctx)
	case ArchiveTypeGCS:
		return newGCSArchiveFromEnv(ctx)
	default:
		return nil, fmt.Errorf("bundle: unsupported archive type %q", os.Getenv("BUNDLE_ARCHIVE_TYPE"))
	}
}

// ArchiveRun copies every artifact of a run into the archive.
func ArchiveRun(ctx context.Context, store *Store, archive Archive, runID string) error {
	names, err := store.List(ctx, runID)
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := store.Read(ctx, runID, name)
		if err != nil {
			return err
		}
		if err := archive.Put(ctx, runID, name, data); err != nil {
			return fmt.Errorf("bundle: archive %s/%s: %w", runID, name, err)
		}
	}
	return nil
}

// RestoreRun copies every archived artifact of a run back into the store.
func RestoreRun(ctx context.Context, store *Store, archive Archive, runID string) error {
	names, err := archive.List(ctx, runID)
	if err != nil {
		return fmt.Errorf("bundle: list archived %s: %w", runID, err)
	}
	for _, name := range names {
		data, err := archive.Get(ctx, runID, name)
		if err != nil {
			return fmt.Errorf("bundle: restore %s/%s: %w", runID, name, err)
		}
		if err := store.Write(ctx, runID, name, data); err != nil {
			return err
		}
	}
	return nil
}

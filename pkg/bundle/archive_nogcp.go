//go:build !gcp

package bundle

import (
	"context"
	"fmt"
)

func newGCSArchiveFromEnv(ctx context.Context) (Archive, error) {
	return nil, fmt.Errorf("bundle: GCS archive is not enabled in this build (use -tags gcp)")
}

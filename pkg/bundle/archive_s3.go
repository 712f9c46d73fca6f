package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive stores run bundles in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds configuration for S3Archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string
}

// NewS3Archive creates an S3-backed bundle archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newS3ArchiveFromEnv(ctx context.Context) (Archive, error) {
	bucket := os.Getenv("BUNDLE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("bundle: BUNDLE_S3_BUCKET is required for S3 archive")
	}
	region := os.Getenv("BUNDLE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Archive(ctx, S3ArchiveConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BUNDLE_S3_ENDPOINT"),
		Prefix:   os.Getenv("BUNDLE_S3_PREFIX"),
	})
}

func (a *S3Archive) key(runID, name string) string {
	return a.prefix + runID + "/" + name
}

// Put uploads one artifact.
func (a *S3Archive) Put(ctx context.Context, runID, name string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(runID, name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("bundle: s3 put failed: %w", err)
	}
	return nil
}

// Get downloads one artifact.
func (a *S3Archive) Get(ctx context.Context, runID, name string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(runID, name)),
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: s3 get failed: %w", err)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

// List returns the artifact names archived for a run.
func (a *S3Archive) List(ctx context.Context, runID string) ([]string, error) {
	prefix := a.prefix + runID + "/"
	var names []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("bundle: s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return names, nil
}

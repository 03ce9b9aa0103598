package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/abduss/blobgate/internal/backend/miniobackend"
	"github.com/abduss/blobgate/internal/config"
)

const (
	minioDefaultPort  = "9000"
	partBucketTimeout = 5 * time.Second
)

// minioEndpoint appends the MinIO API port to a bare host.
func minioEndpoint(raw string) string {
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw
	}
	return net.JoinHostPort(raw, minioDefaultPort)
}

func dialMinIO(cfg config.MinIOConfig) (*minio.Client, error) {
	endpoint := minioEndpoint(cfg.Endpoint)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio %s: %w", endpoint, err)
	}
	return client, nil
}

// preparePartBucket makes sure the bucket holding blob parts exists before the
// store accepts writes. A concurrent creator winning the race is not an error.
func preparePartBucket(ctx context.Context, client *minio.Client, cfg config.MinIOConfig) error {
	ctx, cancel := context.WithTimeout(ctx, partBucketTimeout)
	defer cancel()

	found, err := client.BucketExists(ctx, cfg.Bucket)
	switch {
	case err != nil:
		return fmt.Errorf("lookup part bucket %q: %w", cfg.Bucket, err)
	case found:
		return nil
	}

	err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return fmt.Errorf("create part bucket %q: %w", cfg.Bucket, err)
	}
	return nil
}

// NewMinIOBackend returns a part store over cfg.Bucket, creating it if needed.
func NewMinIOBackend(ctx context.Context, cfg config.MinIOConfig) (*miniobackend.Store, error) {
	client, err := dialMinIO(cfg)
	if err != nil {
		return nil, err
	}
	if err := preparePartBucket(ctx, client, cfg); err != nil {
		return nil, err
	}
	return miniobackend.New(client, cfg.Bucket), nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pairtrace/storage")

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrNetworkError   = errors.New("network error")
)

// S3Config holds the archive bucket settings, read from the environment
// by cmd/server.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// S3Storage archives snapshot content to an S3-compatible bucket.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage connects to the bucket. The bucket itself is provisioned
// out-of-band; a missing bucket is a startup error, not something the
// server creates on demand.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.BucketName)
	}

	return &S3Storage{client: client, bucket: cfg.BucketName}, nil
}

// networkHints are substrings that mark an error as transient
// connectivity trouble rather than a bucket-side rejection.
var networkHints = []string{"connection", "timeout", "network", "dial", "refused"}

// classifyStorageError maps a raw client error onto a sentinel so
// callers can tell "gone" from "denied" from "retry later".
func classifyStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", operation, ErrObjectNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
	}

	msg := err.Error()
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%s network issue: %w", operation, ErrNetworkError)
		}
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}

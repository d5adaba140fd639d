package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects the evidence storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds the evidence store named by the environment.
//
//	DOCKET_EVIDENCE_BACKEND   fs (default), s3, or gcs
//	DOCKET_DATA_DIR           base dir for the fs backend (default "data")
//	DOCKET_S3_BUCKET          required for s3
//	DOCKET_S3_REGION          falls back to AWS_REGION, then us-east-1
//	DOCKET_S3_ENDPOINT        optional, for MinIO or LocalStack
//	DOCKET_S3_PREFIX          optional key prefix
//	DOCKET_GCS_BUCKET         required for gcs (build tag gcp)
//	DOCKET_GCS_PREFIX         optional key prefix
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("DOCKET_EVIDENCE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DOCKET_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "evidence"))
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported backend %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("DOCKET_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: DOCKET_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("DOCKET_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("DOCKET_S3_ENDPOINT"),
		Prefix:   os.Getenv("DOCKET_S3_PREFIX"),
	})
}

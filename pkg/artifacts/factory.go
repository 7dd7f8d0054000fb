package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Valid reports whether t names a known backend.
func (t StoreType) Valid() bool {
	switch t {
	case StoreTypeFS, StoreTypeS3, StoreTypeGCS:
		return true
	default:
		return false
	}
}

// StorageConfig selects and configures a payload backend.
type StorageConfig struct {
	Type     StoreType
	DataDir  string // fs: payloads live under DataDir/artifacts
	Bucket   string // s3, gcs
	Prefix   string // s3, gcs: optional key prefix
	Region   string // s3
	Endpoint string // s3: MinIO / LocalStack
}

// NewStore creates the payload store named by cfg.Type (fs by default).
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}

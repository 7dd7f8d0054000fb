//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps payloads as objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed payload store using application
// default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(artifactID string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + objectName(artifactID))
}

func (s *GCSStore) Put(ctx context.Context, artifactID string, data []byte) error {
	w := s.object(artifactID).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", artifactID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", artifactID, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, artifactID string) ([]byte, error) {
	reader, err := s.object(artifactID).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", artifactID, err)
	}
	defer func() { _ = reader.Close() }()

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(reader)
}

func (s *GCSStore) attrs(ctx context.Context, artifactID string) (*storage.ObjectAttrs, error) {
	attrs, err := s.object(artifactID).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("gcs attrs error for %s: %w", artifactID, err)
	}
	return attrs, nil
}

// Erase overwrites the object with an empty body.
func (s *GCSStore) Erase(ctx context.Context, artifactID string) error {
	if _, err := s.attrs(ctx, artifactID); err != nil {
		return err
	}
	return s.Put(ctx, artifactID, nil)
}

func (s *GCSStore) IsErased(ctx context.Context, artifactID string) (bool, error) {
	attrs, err := s.attrs(ctx, artifactID)
	if err != nil {
		return false, err
	}
	return attrs.Size == 0, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps payloads as objects in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates a new S3-backed payload store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(artifactID string) *string {
	return aws.String(s.prefix + objectName(artifactID))
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (s *S3Store) Put(ctx context.Context, artifactID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(artifactID),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", artifactID, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, artifactID string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(artifactID),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", artifactID, err)
	}
	defer func() { _ = result.Body.Close() }()

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(result.Body)
}

func (s *S3Store) head(ctx context.Context, artifactID string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(artifactID),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("s3 head failed for %s: %w", artifactID, err)
	}
	return out, nil
}

// Erase overwrites the object with an empty body.
func (s *S3Store) Erase(ctx context.Context, artifactID string) error {
	if _, err := s.head(ctx, artifactID); err != nil {
		return err
	}
	return s.Put(ctx, artifactID, nil)
}

func (s *S3Store) IsErased(ctx context.Context, artifactID string) (bool, error) {
	out, err := s.head(ctx, artifactID)
	if err != nil {
		return false, err
	}
	return aws.ToInt64(out.ContentLength) == 0, nil
}

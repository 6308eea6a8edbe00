// Package blob stores uploaded statements and exported analysis results in
// S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Storage writes objects to a single bucket.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Bucket() string
}

// Config holds connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// S3Storage implements Storage with minio-go.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage creates a Storage backed by an S3-compatible endpoint.
func NewS3Storage(cfg Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("blob: bucket is required")
	}

	opts := &minio.Options{
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, eris.Wrap(err, "blob: create s3 client")
	}

	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the bucket objects are written to.
func (s *S3Storage) Bucket() string {
	return s.bucket
}

// Put uploads data under key. There is no retry; callers decide whether a
// failed upload is fatal.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	info, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("blob: put %s/%s", s.bucket, key))
	}

	zap.L().Debug("blob: uploaded object",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return nil
}

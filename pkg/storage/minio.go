package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Archive stores audit exports
type Archive interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error)
	Delete(ctx context.Context, key string) error
}

// UploadResult contains the result of an upload
type UploadResult struct {
	URL      string
	Key      string // object key in storage
	FileSize int64
	MimeType string
}

// MinIOStorage implements Archive using MinIO (or any S3 compatible store)
type MinIOStorage struct {
	client    *minio.Client
	bucket    string
	endpoint  string
	publicURL string // External URL
	useSSL    bool
	urlExpiry time.Duration
}

// Config holds MinIO connection configuration
type Config struct {
	Endpoint  string
	PublicURL string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinIO creates a new MinIO storage client and makes sure the bucket exists.
// The bucket stays private; downloads go through presigned URLs.
func NewMinIO(ctx context.Context, cfg Config) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("created archive bucket")
	}

	return &MinIOStorage{
		client:    client,
		bucket:    cfg.Bucket,
		endpoint:  cfg.Endpoint,
		publicURL: cfg.PublicURL,
		useSSL:    cfg.UseSSL,
		urlExpiry: 24 * time.Hour,
	}, nil
}

// Put uploads from an io.Reader. A size of -1 streams with unknown length.
func (s *MinIOStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload object: %w", err)
	}

	link, err := s.PresignedURL(ctx, key)
	if err != nil {
		// The object is stored; fall back to the plain address
		log.Warn().Err(err).Str("key", key).Msg("presign failed")
		link = s.objectURL(key)
	}

	return &UploadResult{
		URL:      link,
		Key:      key,
		FileSize: info.Size,
		MimeType: contentType,
	}, nil
}

// Delete removes an object
func (s *MinIOStorage) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// PresignedURL returns a time-limited download link for an object
func (s *MinIOStorage) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// objectURL returns the unsigned address of an object
func (s *MinIOStorage) objectURL(key string) string {
	if s.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.publicURL, "/"), s.bucket, key)
	}

	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, key)
}

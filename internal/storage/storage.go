// Package storage uploads source photos to object storage and mints the
// URLs the synthesis provider fetches them from.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/clients"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/config"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

// MaxUploadBytes caps accepted source photos at 15 MiB.
const MaxUploadBytes = 15 << 20

// allowedContentTypes are the photo formats the provider accepts.
var allowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// ErrUnsupportedContentType rejects anything outside the photo allowlist.
type ErrUnsupportedContentType struct {
	ContentType string
}

func (e *ErrUnsupportedContentType) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.ContentType)
}

// Store wraps a MinIO bucket with the retry policy used for all uploads.
type Store struct {
	client *minio.Client
	bucket string
	logger logging.Logger
	urlTTL time.Duration
}

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// ConfigFromEnv reads storage settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:  config.GetEnv("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: config.GetEnv("MINIO_ACCESS_KEY", ""),
		SecretKey: config.GetEnv("MINIO_SECRET_KEY", ""),
		Bucket:    config.GetEnv("MINIO_BUCKET", "pet-photos"),
		UseSSL:    config.GetEnvBool("MINIO_USE_SSL", false),
		URLTTL:    config.GetEnvDuration("STORAGE_URL_TTL", time.Hour),
	}
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
		urlTTL: cfg.URLTTL,
	}, nil
}

// ObjectName namespaces a photo under its owner and job so uploads never
// collide and cleanup can scan by prefix.
func ObjectName(ownerID, jobID, contentType string) string {
	ext := allowedContentTypes[contentType]
	return path.Join("owners", ownerID, "jobs", jobID, "source"+ext)
}

// UploadSourcePhoto validates and stores a source photo, returning the
// object name. The upload is retried on transient storage errors; the
// payload is buffered so each attempt replays the full body.
func (s *Store) UploadSourcePhoto(ctx context.Context, ownerID, jobID, contentType string, r io.Reader, size int64) (string, error) {
	if _, ok := allowedContentTypes[contentType]; !ok {
		return "", &ErrUnsupportedContentType{ContentType: contentType}
	}
	if size <= 0 || size > MaxUploadBytes {
		return "", fmt.Errorf("photo size %d outside accepted range (max %d bytes)", size, MaxUploadBytes)
	}

	body, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read photo body: %w", err)
	}
	if int64(len(body)) != size {
		return "", fmt.Errorf("photo body length %d does not match declared size %d", len(body), size)
	}

	objectName := ObjectName(ownerID, jobID, contentType)
	policy := clients.NewBackoffPolicy(3, time.Second, 8*time.Second)
	err = clients.Execute(ctx, policy, func() error {
		_, putErr := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(body), size, minio.PutObjectOptions{
			ContentType: contentType,
		})
		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload photo: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"owner_id": ownerID,
		"job_id":   jobID,
		"object":   objectName,
		"bytes":    size,
	}).Info("Uploaded source photo")
	return objectName, nil
}

// PresignedURL mints a time-limited GET URL for an object. The provider
// fetches the source image through this during submission, and result
// links for locally mirrored videos go through it too.
func (s *Store) PresignedURL(ctx context.Context, objectName string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign object URL: %w", err)
	}
	return u.String(), nil
}

// Delete removes an object. Used when a job fails before submission and
// the orphaned photo should not linger.
func (s *Store) Delete(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Package storage stores uploaded invoice documents in S3-compatible
// object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
)

// ObjectStore is what the ingestion pipeline needs from blob storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (int64, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MinioStore implements ObjectStore against MinIO or any S3-compatible
// endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// NewMinioStore connects and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, &core.DependencyError{Dependency: "storage", Err: err}
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, &core.DependencyError{Dependency: "storage", Err: err}
		}
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags),
	}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return &core.DependencyError{Dependency: "storage", Err: fmt.Errorf("put %s: %w", key, err)}
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &core.DependencyError{Dependency: "storage", Err: fmt.Errorf("get %s: %w", key, err)}
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return &core.DependencyError{Dependency: "storage", Err: fmt.Errorf("delete %s: %w", key, err)}
	}
	return nil
}

// Head returns the object size, or a NotFoundError when the key is absent.
func (s *MinioStore) Head(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return 0, &core.NotFoundError{Entity: "document_object", ID: key}
		}
		return 0, &core.DependencyError{Dependency: "storage", Err: fmt.Errorf("stat %s: %w", key, err)}
	}
	return info.Size, nil
}

// PresignGet returns a time-limited download URL.
func (s *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", &core.DependencyError{Dependency: "storage", Err: fmt.Errorf("presign %s: %w", key, err)}
	}
	return u.String(), nil
}

// ObjectKey builds the storage key for an uploaded document. Keys are
// partitioned by upload year/month and carry a fresh uuid so original
// filenames can never collide or traverse.
func ObjectKey(now time.Time, filename string) string {
	return path.Join("documents",
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		uuid.NewString()+"-"+safeFilename(filename))
}

// safeFilename strips path separators and anything outside a conservative
// character set, keeping the extension readable.
func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "upload"
	}
	if len(out) > 120 {
		out = out[len(out)-120:]
	}
	return out
}

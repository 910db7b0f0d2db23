package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/troeger/opensubmit-sub000/internal/appconfig"
)

// ArchiveStore keeps submission archives and validator script packages
// in object storage. The web frontend writes uploads here, the dispatch
// layer only reads.
type ArchiveStore struct {
	client *minio.Client
	bucket string
}

func NewArchiveStore(cfg appconfig.MinIOConfig) (*ArchiveStore, error) {
	host := cfg.Endpoint
	secure := true
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("minio endpoint parse: %w", err)
		}
		host = parsed.Host
		secure = parsed.Scheme == "https"
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
		slog.Info("Created MinIO bucket", "bucket", cfg.Bucket)
	}

	return &ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

// Open returns a reader over the stored object plus its size. The
// caller must close the reader.
func (s *ArchiveStore) Open(ctx context.Context, objectKey string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("minio get %s: %w", objectKey, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("minio stat %s: %w", objectKey, err)
	}
	return obj, stat.Size, nil
}

// Put stores an object, used by tests and by the upload path of the
// web frontend.
func (s *ArchiveStore) Put(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", objectKey, err)
	}
	return nil
}

// Remove deletes an object.
func (s *ArchiveStore) Remove(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio remove %s: %w", objectKey, err)
	}
	return nil
}

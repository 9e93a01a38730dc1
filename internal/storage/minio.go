// Package storage archives finished transcript artifacts to object storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/orchids/transcription-service/internal/export"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// MinIOStore uploads job artifact directories under <bucket>/<dir name>/.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg Config) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "transcripts"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOStore) Bucket() string { return s.bucket }

func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadDir copies every regular file in dir and returns the object keys
// written, in name order.
func (s *MinIOStore) UploadDir(ctx context.Context, dir string) ([]string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	prefix := filepath.Base(dir)
	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := path.Join(prefix, e.Name())
		opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
		if f, ok := export.FormatFor(e.Name()); ok {
			opts.ContentType = f.ContentType()
		}
		if _, err := s.client.FPutObject(ctx, s.bucket, key, filepath.Join(dir, e.Name()), opts); err != nil {
			return keys, fmt.Errorf("failed to upload %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

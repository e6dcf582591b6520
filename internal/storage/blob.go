// blob.go - S3-compatible blob storage for uploaded invoice documents

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore is the document byte-storage contract: upload, download, and a
// durable access link valid for at least the review window.
type BlobStore interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// MinioBlobStore implements BlobStore against any S3-compatible backend.
// Safe for concurrent use.
type MinioBlobStore struct {
	client *minio.Client
}

// BlobConfig holds connection settings for the blob backend.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioBlobStore creates the blob client. Bucket existence is the
// operator's responsibility; uploads surface missing buckets as errors.
func NewMinioBlobStore(cfg BlobConfig) (*MinioBlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob endpoint is required")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &MinioBlobStore{client: cli}, nil
}

func (m *MinioBlobStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (m *MinioBlobStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (m *MinioBlobStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ManifestStore 出库清单对象存储
type ManifestStore struct {
	client *minio.Client
	bucket string
}

// NewManifestStore 创建MinIO客户端；未配置endpoint时返回nil
func NewManifestStore(cfg config.MinIOConfig) (*ManifestStore, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &ManifestStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket 桶不存在时创建
func (s *ManifestStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// Archive 上传清单
func (s *ManifestStore) Archive(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: xlsxContentType,
	})
	if err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return nil
}

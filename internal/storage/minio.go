package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hitoshi/tagvault/internal/media"
	"github.com/hitoshi/tagvault/internal/model"
)

// MinioConfig はMinIO（S3互換）ストレージの接続設定。
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
}

// MinioStore はS3互換オブジェクトストレージにファイルを保存するStorage実装。
// PutObjectはオブジェクト単位でアトミックなため、中途半端なオブジェクトは残らない。
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore はMinioStoreを生成する。バケットが存在しない場合は作成する。
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIOクライアントの作成に失敗しました: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("バケットの存在確認に失敗しました: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("バケットの作成に失敗しました: %w", err)
		}
		logger.Info("バケットを作成しました", slog.String("bucket", cfg.Bucket))
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Write はオブジェクトをアップロードする。
func (s *MinioStore) Write(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, name,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: media.DetectMimeType(data)},
	)
	if err != nil {
		return fmt.Errorf("%w: オブジェクトのアップロードに失敗しました: %v", model.ErrStorageWrite, err)
	}
	return nil
}

// Delete はオブジェクトを削除する。存在しない場合もエラーにしない。
func (s *MinioStore) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("オブジェクトの削除に失敗しました %s: %w", name, err)
	}
	return nil
}

// Exists はオブジェクトが存在するかを返す。
func (s *MinioStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("オブジェクト情報の取得に失敗しました %s: %w", name, err)
}

var _ Storage = (*MinioStore)(nil)

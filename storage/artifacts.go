// Package storage ships training artifacts to object storage. The artifact
// store is optional: when no endpoint is configured, completed jobs simply
// skip the upload.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ArtifactConfig holds object storage connection configuration.
type ArtifactConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ArtifactStore wraps a MinIO client with bucket management for training
// reports.
type ArtifactStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewArtifactStore creates the store and verifies the bucket exists,
// creating it when missing.
func NewArtifactStore(ctx context.Context, cfg ArtifactConfig, logger *zap.Logger) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact client: %w", err)
	}

	s := &ArtifactStore{client: client, bucket: cfg.Bucket, logger: logger}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("artifact store initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)
	return s, nil
}

func (s *ArtifactStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check artifact bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create artifact bucket: %w", err)
	}
	s.logger.Info("artifact bucket created", zap.String("bucket", s.bucket))
	return nil
}

// UploadReport writes the training report JSON to <bucket>/<job_id>/report.json.
func (s *ArtifactStore) UploadReport(ctx context.Context, jobID string, report any) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training report: %w", err)
	}

	objectName := path.Join(jobID, "report.json")
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload training report: %w", err)
	}

	s.logger.Info("training report uploaded",
		zap.String("job_id", jobID),
		zap.String("object", objectName),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// GetReport retrieves a previously uploaded training report.
func (s *ArtifactStore) GetReport(ctx context.Context, jobID string) ([]byte, error) {
	objectName := path.Join(jobID, "report.json")
	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get training report: %w", err)
	}
	defer object.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(object); err != nil {
		return nil, fmt.Errorf("failed to read training report: %w", err)
	}
	return buf.Bytes(), nil
}

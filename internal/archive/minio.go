// Package archive mirrors accepted version payloads into object storage.
// The archive is a cold copy for operators; the Redis detail store stays the
// system of record, and archive failures never fail a save.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"flowforge/api/internal/detail"
)

type Archiver struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func New(ctx context.Context, opts Options, logger *zap.Logger) (*Archiver, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Archiver{client: client, bucket: opts.Bucket, logger: logger}, nil
}

// ArchiveVersion uploads the payload as JSON at <owner>/<process>/v<number>.json.
func (a *Archiver) ArchiveVersion(ctx context.Context, key detail.Key, item detail.VersionDetail) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal archived payload: %w", err)
	}

	objectName := fmt.Sprintf("%s/%s/v%d.json", key.OwnerID, key.ProcessID, key.Number)
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put archived payload: %w", err)
	}

	a.logger.Debug("archived version payload",
		zap.String("bucket", a.bucket),
		zap.String("object", objectName),
	)
	return nil
}

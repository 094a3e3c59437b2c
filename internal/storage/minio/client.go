package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
)

// Store implements interfaces.ObjectStore on an S3-compatible object store.
type Store struct {
	client *minio.Client
	logger arbor.ILogger
}

// New builds an object-store client. The connection is lazy; EnsureBucket is
// the first call that actually talks to the server.
func New(cfg common.MinioConfig, logger arbor.ILogger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, common.Wrap(common.KindConfig, "create object-store client", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet. Idempotent.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return common.Wrap(common.KindTransport, fmt.Sprintf("check bucket %s", bucket), err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// Racing creators are fine; re-check before failing.
		if exists, checkErr := s.client.BucketExists(ctx, bucket); checkErr == nil && exists {
			return nil
		}
		return common.Wrap(common.KindTransport, fmt.Sprintf("create bucket %s", bucket), err)
	}
	s.logger.Info().Str("bucket", bucket).Msg("Bucket created")
	return nil
}

func (s *Store) PutBytes(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return common.Wrap(common.KindTransport, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

func (s *Store) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, common.Wrap(common.KindTransport, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, common.Wrap(common.KindNotFound, fmt.Sprintf("get %s/%s", bucket, key), err)
		}
		return nil, common.Wrap(common.KindTransport, fmt.Sprintf("read %s/%s", bucket, key), err)
	}
	return data, nil
}

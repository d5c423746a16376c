// Package archive uploads generated report files to S3 compatible storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dealwatch/api/internal/export"
)

// objectStore is the part of *minio.Client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archive struct {
	client objectStore
	bucket string
}

// New connects to a MinIO endpoint such as "localhost:9000".
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when missing.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey is reports/<variant>/<YYYY-MM-DD>/<filename>.
func ObjectKey(variant string, date time.Time, filename string) string {
	return path.Join("reports", variant, date.Format(time.DateOnly), path.Base(filename))
}

// Store uploads every file and returns the object keys written.
func (a *Archive) Store(ctx context.Context, variant string, date time.Time, files []export.Result) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, file := range files {
		key := ObjectKey(variant, date, file.Filename)
		_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(file.Data), int64(len(file.Data)), minio.PutObjectOptions{
			ContentType: file.MimeType,
		})
		if err != nil {
			return keys, fmt.Errorf("upload %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

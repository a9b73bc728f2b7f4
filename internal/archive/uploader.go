// Package archive ships compacted change log audit files to S3-compatible
// object storage. With no bucket configured the NoopUploader is used and
// audit files stay on local disk only.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/todomirror/internal/config"
)

// Uploader stores a local audit file under name.
type Uploader interface {
	Upload(ctx context.Context, name, filePath string) error
}

// objectPutter is the slice of *minio.Client used by S3Uploader.
type objectPutter interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error
}

type minioPutter struct {
	client *minio.Client
}

func (p *minioPutter) FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error {
	_, err := p.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// S3Uploader uploads audit files to a bucket under a key prefix.
type S3Uploader struct {
	client objectPutter
	bucket string
	prefix string
}

// Upload puts filePath into the bucket as prefix+name.
func (u *S3Uploader) Upload(ctx context.Context, name, filePath string) error {
	key := objectKey(u.prefix, name)
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath, "application/x-ndjson"); err != nil {
		return fmt.Errorf("upload %s to bucket %s: %w", key, u.bucket, err)
	}
	return nil
}

// NoopUploader is used when no bucket is configured.
type NoopUploader struct{}

func (NoopUploader) Upload(ctx context.Context, name, filePath string) error {
	return nil
}

// NewUploader returns NoopUploader when cfg.Bucket is empty and an
// S3Uploader otherwise. UseSSL defaults to true.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioPutter{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// objectKey joins prefix and name with exactly one slash between them.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

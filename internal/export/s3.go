package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object key, e.g. "exports/".
	Prefix string
}

// Enabled reports whether enough settings are present to upload.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

// Uploader stores CSV exports in an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

func NewUploader(cfg S3Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("export upload requires EXPORT_S3_ENDPOINT and EXPORT_S3_BUCKET")
	}
	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Uploader{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		region: cfg.Region,
		prefix: cfg.Prefix,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", u.bucket, err)
	}
	return nil
}

// Upload writes data under key and returns the full object key.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := u.EnsureBucket(ctx); err != nil {
		return "", err
	}
	objectKey := u.ObjectKey(key)
	_, err := u.client.PutObject(
		ctx,
		u.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/csv; charset=utf-8"},
	)
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", u.bucket, objectKey, err)
	}
	return objectKey, nil
}

// ObjectKey joins the configured prefix and key.
func (u *Uploader) ObjectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if u.prefix == "" {
		return key
	}
	return strings.TrimRight(u.prefix, "/") + "/" + key
}

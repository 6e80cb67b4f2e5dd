package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// objectStore is the part of *minio.Client the S3 relocator uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucket, key, filePath string, opts minio.GetObjectOptions) error
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// S3 archives files into an S3-compatible bucket. Locations look like
// s3://bucket/prefix/scripts/python/test_modal.2025-04-06.py.
type S3 struct {
	root   string
	client objectStore
	bucket string
	prefix string
	region string

	mu    sync.Mutex
	ready bool
}

// NewS3 creates an object-storage relocator for files under root
func NewS3(root string, cfg S3Config) (*S3, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3{
		root:   root,
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: region,
	}, nil
}

// ensureBucket creates the bucket on first use. Only success is
// remembered, so a transient failure is retried by the next call.
func (s *S3) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

func objectKey(prefix, original string, at time.Time, n int) string {
	original = strings.TrimLeft(filepath.ToSlash(original), "/")
	dir, base := path.Split(original)
	return path.Join(prefix, dir, archiveName(base, at, n))
}

func (s *S3) location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func parseLocation(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", loc)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 location: %q", loc)
	}
	return bucket, key, nil
}

func (s *S3) keyOf(loc string) (string, error) {
	bucket, key, err := parseLocation(loc)
	if err != nil {
		return "", err
	}
	if bucket != s.bucket {
		return "", fmt.Errorf("location %s is not in bucket %s", loc, s.bucket)
	}
	return key, nil
}

func (s *S3) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (s *S3) Stash(ctx context.Context, original string, at time.Time) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}
	src := filepath.Join(s.root, filepath.FromSlash(original))
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("stat %s: %w", original, err)
	}

	var key string
	for n := 0; ; n++ {
		key = objectKey(s.prefix, original, at, n)
		taken, err := s.exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("stat object: %w", err)
		}
		if !taken {
			break
		}
	}

	if _, err := s.client.FPutObject(ctx, s.bucket, key, src, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", original, err)
	}
	if err := os.Remove(src); err != nil {
		rmErr := s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, key, minio.RemoveObjectOptions{})
		return "", errors.Join(fmt.Errorf("remove %s: %w", original, err), rmErr)
	}
	return s.location(key), nil
}

func (s *S3) Unstash(ctx context.Context, location, original string) error {
	key, err := s.keyOf(location)
	if err != nil {
		return err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(original))
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move to %s: %w", original, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := s.client.FGetObject(ctx, s.bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", location, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Join(fmt.Errorf("remove object %s: %w", key, err), os.Remove(dst))
	}
	return nil
}

func (s *S3) Restash(ctx context.Context, original, location string) error {
	key, err := s.keyOf(location)
	if err != nil {
		return err
	}
	src := filepath.Join(s.root, filepath.FromSlash(original))
	if _, err := s.client.FPutObject(ctx, s.bucket, key, src, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("upload %s: %w", original, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s: %w", original, err)
	}
	return nil
}

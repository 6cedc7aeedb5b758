package modelstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3Backend stores objects in a bucket. Keys are content addressed, so a
// PUT racing a concurrent PUT of the same key replaces identical bytes.
type S3Backend struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
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
	return &S3Backend{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("backend is nil")
	}
	b.initOnce.Do(func() {
		exists, err := b.client.BucketExists(ctx, b.bucketName)
		if err != nil {
			b.initErr = err
			return
		}
		if exists {
			return
		}
		b.initErr = b.client.MakeBucket(ctx, b.bucketName, minio.MakeBucketOptions{Region: b.region})
	})
	return b.initErr
}

func (b *S3Backend) Create(ctx context.Context, key string, blob []byte) (bool, error) {
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	if err := b.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	exists, err := b.exists(ctx, key)
	if err != nil || exists {
		return false, err
	}
	if blob == nil {
		blob = []byte{}
	}
	_, err = b.client.PutObject(ctx, b.bucketName, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3Backend) Read(ctx context.Context, key string) ([]byte, error) {
	key, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := b.client.GetObject(ctx, b.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Error(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapS3Error(err)
	}
	return data, nil
}

func (b *S3Backend) Remove(ctx context.Context, key string) (bool, error) {
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	if err := b.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	exists, err := b.exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}
	if err := b.client.RemoveObject(ctx, b.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	keys := make([]string, 0, 32)
	for obj := range b.client.ListObjects(ctx, b.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if mapS3Error(err) == ErrObjectNotFound {
		return false, nil
	}
	return false, err
}

func mapS3Error(err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
		return ErrObjectNotFound
	}
	return err
}

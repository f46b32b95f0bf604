package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"productshot/internal/config"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type ossStorage struct {
	bucket     *oss.Bucket
	prefix     string
	publicBase string
}

// NewOSSStorage 创建阿里云 OSS 存储
func NewOSSStorage(cfg config.Config) (Storage, error) {
	endpoint := strings.TrimSpace(cfg.StorageOSSEndpoint)
	if endpoint == "" {
		return nil, errors.New("storage: missing OSS endpoint")
	}
	bucketName := strings.TrimSpace(cfg.StorageOSSBucket)
	if bucketName == "" {
		return nil, errors.New("storage: missing OSS bucket")
	}
	accessKey := strings.TrimSpace(cfg.StorageOSSAccessKeyID)
	secretKey := strings.TrimSpace(cfg.StorageOSSAccessKeySecret)
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("storage: missing OSS credentials")
	}

	client, err := oss.New(endpoint, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("storage: create OSS client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("storage: open OSS bucket: %w", err)
	}

	publicBase := strings.TrimSpace(cfg.StoragePublicBaseURL)
	if publicBase == "" || strings.HasPrefix(publicBase, "/") {
		host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		publicBase = fmt.Sprintf("https://%s.%s", bucketName, host)
	}
	return &ossStorage{
		bucket:     bucket,
		prefix:     trimPrefix(cfg.StorageOSSPrefix),
		publicBase: publicBase,
	}, nil
}

func (s *ossStorage) Put(ctx context.Context, obj Object) (Stored, error) {
	if len(obj.Data) == 0 {
		return Stored{}, errEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	key, err := objectKey(s.prefix, obj)
	if err != nil {
		return Stored{}, err
	}
	stored := Stored{Key: key, URL: publicURL(s.publicBase, key)}

	if obj.SkipIfExists {
		exists, err := s.bucket.IsObjectExist(key)
		if err != nil {
			return Stored{}, fmt.Errorf("check object: %w", err)
		}
		if exists {
			stored.Reused = true
			return stored, nil
		}
	}

	err = s.bucket.PutObject(key, bytes.NewReader(obj.Data),
		oss.WithContext(ctx),
		oss.ContentType(detectContentType(obj.Extension)),
	)
	if err != nil {
		return Stored{}, fmt.Errorf("put object: %w", err)
	}
	return stored, nil
}

var _ Storage = (*ossStorage)(nil)

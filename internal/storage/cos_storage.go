package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"productshot/internal/config"

	"github.com/tencentyun/cos-go-sdk-v5"
)

type cosStorage struct {
	client     *cos.Client
	prefix     string
	publicBase string
}

// NewCOSStorage 创建腾讯云 COS 存储，未配置公开地址时直接使用存储桶域名
func NewCOSStorage(cfg config.Config) (Storage, error) {
	bucketURL := strings.TrimSpace(cfg.StorageCOSBucketURL)
	if bucketURL == "" {
		return nil, errors.New("storage: missing COS bucket URL")
	}
	parsedURL, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse COS bucket URL: %w", err)
	}

	secretID := strings.TrimSpace(cfg.StorageCOSSecretID)
	secretKey := strings.TrimSpace(cfg.StorageCOSSecretKey)
	if secretID == "" || secretKey == "" {
		return nil, errors.New("storage: missing COS credentials")
	}

	client := cos.NewClient(&cos.BaseURL{BucketURL: parsedURL}, &http.Client{
		Transport: &cos.AuthorizationTransport{SecretID: secretID, SecretKey: secretKey},
	})

	publicBase := strings.TrimSpace(cfg.StoragePublicBaseURL)
	if publicBase == "" || strings.HasPrefix(publicBase, "/") {
		publicBase = bucketURL
	}
	return &cosStorage{
		client:     client,
		prefix:     trimPrefix(cfg.StorageCOSPrefix),
		publicBase: publicBase,
	}, nil
}

func (s *cosStorage) Put(ctx context.Context, obj Object) (Stored, error) {
	if len(obj.Data) == 0 {
		return Stored{}, errEmptyPayload
	}
	key, err := objectKey(s.prefix, obj)
	if err != nil {
		return Stored{}, err
	}
	stored := Stored{Key: key, URL: publicURL(s.publicBase, key)}

	if obj.SkipIfExists {
		resp, err := s.client.Object.Head(ctx, key, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			stored.Reused = true
			return stored, nil
		}
		if !cos.IsNotFoundError(err) {
			return Stored{}, fmt.Errorf("head object: %w", err)
		}
	}

	resp, err := s.client.Object.Put(ctx, key, bytes.NewReader(obj.Data), &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: detectContentType(obj.Extension)},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return Stored{}, fmt.Errorf("put object: %w", err)
	}
	return stored, nil
}

var _ Storage = (*cosStorage)(nil)

package storage

import (
	"context"
	"fmt"
	"strings"

	"productshot/internal/config"
)

const (
	// TypeLocal 表示本地文件系统存储。
	TypeLocal = "local"
	// TypeS3 表示 Amazon S3 或兼容的存储后端。
	TypeS3 = "s3"
	// TypeOSS 表示阿里云 OSS 存储。
	TypeOSS = "oss"
	// TypeCOS 表示腾讯云 COS 存储。
	TypeCOS = "cos"
	// TypeR2 表示 Cloudflare R2 存储。
	TypeR2 = "r2"
)

// Object 描述一份待持久化的生成素材。
//
// 对象键由 Category、Owner 与 Name 决定，不含时间成分：同一任务重试时会写到同一个键，
// 配合 SkipIfExists 可避免重复上传。
type Object struct {
	Data         []byte
	Category     string
	Owner        string
	Name         string
	Extension    string
	SkipIfExists bool
}

// Stored 是持久化后的对象位置。
type Stored struct {
	Key    string
	URL    string
	Reused bool
}

// Storage 持久化生成输入与输出图片，并返回可供客户端访问的地址。
type Storage interface {
	Put(ctx context.Context, obj Object) (Stored, error)
}

// LocalBaseDirProvider 由暴露可通过 HTTP 直接提供服务的本地目录的存储驱动实现。
type LocalBaseDirProvider interface {
	LocalBaseDir() string
}

// NewStorage 根据配置实例化存储后端。
func NewStorage(cfg config.Config) (Storage, error) {
	publicBase := strings.TrimSpace(cfg.StoragePublicBaseURL)
	switch strings.ToLower(strings.TrimSpace(cfg.StorageType)) {
	case "", TypeLocal:
		return NewLocalStorage(cfg.StorageLocalDir, publicBase)
	case TypeS3:
		return NewS3Storage(cfg)
	case TypeOSS:
		return NewOSSStorage(cfg)
	case TypeCOS:
		return NewCOSStorage(cfg)
	case TypeR2:
		return NewR2Storage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
}

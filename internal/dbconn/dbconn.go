// Package dbconn opens gorm databases the same way for the backend
// repository and the on-device cache: logrus-backed gorm logging, UTC
// timestamps, translated driver errors, and migrations that tolerate a
// concurrent migrator.
package dbconn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Options 连接参数
type Options struct {
	// Component 写入 gorm 日志的 component 字段
	Component     string
	SlowThreshold time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SingularTable 使用单数表名
	SingularTable bool
}

// Open 打开数据库并配置连接池
func Open(dialector gorm.Dialector, opts Options) (*gorm.DB, error) {
	if opts.Component == "" {
		opts.Component = "gorm"
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = time.Second
	}

	gormLogger := logger.New(
		logrus.WithField("component", opts.Component),
		logger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLogger,
		TranslateError:                           true,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
		DisableForeignKeyConstraintWhenMigrating: true,
		NamingStrategy:                           schema.NamingStrategy{SingularTable: opts.SingularTable},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// EnsureParentDir 创建数据库文件所在目录，SQLite 只会创建文件本身
func EnsureParentDir(path string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// Migrate 自动迁移表结构。多个进程同时打开同一个 SQLite 文件时建表可能短暂失败，最多重试 attempts 次
func Migrate(ctx context.Context, db *gorm.DB, attempts uint64, models ...interface{}) error {
	if attempts == 0 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

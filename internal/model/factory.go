package model

import (
	"context"
	"fmt"
	"time"

	"productshot/internal/config"
	"productshot/internal/dbconn"
	"productshot/internal/entity"
	"productshot/internal/model/sql"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DBTypeMySQL    = "mysql"
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgres"
)

// serverModels 服务端持久化的全部表
var serverModels = []interface{}{
	&entity.DbUser{},
	&entity.DbGeneration{},
	&entity.DbFavorite{},
	&entity.DbQuotaApplication{},
}

// dialectors 按数据库类型构造 gorm 方言
var dialectors = map[string]func(cfg *config.Config) (gorm.Dialector, error){
	DBTypeMySQL:    mysqlDialector,
	DBTypeSQLite:   sqliteDialector,
	DBTypePostgres: postgresDialector,
}

// InitRepository 打开配置的数据库、迁移表结构并返回仓库
func InitRepository(cfg *config.Config) (Repository, error) {
	db, err := OpenDatabase(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return sql.NewGormRepository(db), nil
}

// OpenDatabase 按 cfg.DBType 打开数据库并完成迁移
func OpenDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	if cfg.DBType == "" {
		return nil, fmt.Errorf("database type is not configured")
	}
	build, ok := dialectors[cfg.DBType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
	dialector, err := build(cfg)
	if err != nil {
		return nil, err
	}

	opts := dbconn.Options{
		Component:       "gorm",
		SlowThreshold:   5 * time.Second,
		MaxOpenConns:    100,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		SingularTable:   true,
	}

	db, err := dbconn.Open(dialector, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.DBType, err)
	}
	if err := dbconn.Migrate(ctx, db, 3, serverModels...); err != nil {
		_ = dbconn.Close(db)
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

func mysqlDialector(cfg *config.Config) (gorm.Dialector, error) {
	dsn := cfg.DSNURL
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBAddr, cfg.DBPort, cfg.DBName)
	}
	return mysql.Open(dsn), nil
}

func postgresDialector(cfg *config.Config) (gorm.Dialector, error) {
	dsn := cfg.DSNURL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.DBAddr, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	}
	return postgres.Open(dsn), nil
}

func sqliteDialector(cfg *config.Config) (gorm.Dialector, error) {
	path := cfg.DBPath
	if path == "" {
		path = "datas/productshot.db"
	}
	if err := dbconn.EnsureParentDir(path, 0o755); err != nil {
		return nil, err
	}
	// WAL 模式下读写互不阻塞，busy_timeout 避免并发写入时立即报错
	return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), nil
}

package model

import (
	"context"
	"time"

	"productshot/internal/entity"
)

// Repository 定义数据库操作接口
//
// 实现需将底层错误映射为 errs 包中的哨兵错误（ErrNotFound、ErrConflict 等），
// 以便 HTTP 层统一转换为 API 错误码。
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	CountUsers(ctx context.Context) (int64, error)

	// 生成记录
	// CreateGeneration 按 (user, task id) 幂等创建，首次受理时原子扣减额度；
	// existed 为 true 表示返回的是已有记录且未重复扣减。
	CreateGeneration(ctx context.Context, gen *entity.DbGeneration) (record *entity.DbGeneration, existed bool, err error)
	// ListGenerations 在 since 为空时只返回未删除记录；否则返回 since 之后变更的记录（含软删除墓碑）。
	ListGenerations(ctx context.Context, userID uint, since *time.Time) ([]entity.DbGeneration, error)
	GetGeneration(ctx context.Context, userID uint, id string) (*entity.DbGeneration, error)
	GetGenerationByTaskID(ctx context.Context, userID uint, taskID string) (*entity.DbGeneration, error)
	UpdateGeneration(ctx context.Context, id string, updates entity.GenerationUpdates) error
	SoftDeleteGeneration(ctx context.Context, userID uint, ref string) error
	ListUnfinishedGenerations(ctx context.Context, limit int) ([]entity.DbGeneration, error)

	// 收藏
	ListFavorites(ctx context.Context, userID uint) ([]entity.DbFavorite, error)
	CreateFavorite(ctx context.Context, fav *entity.DbFavorite) error
	DeleteFavorite(ctx context.Context, userID uint, id string) error

	// 额度
	GetQuota(ctx context.Context, userID uint) (entity.Quota, error)
	GrantQuota(ctx context.Context, userID uint, amount int) error
	CreateQuotaApplication(ctx context.Context, app *entity.DbQuotaApplication) error
	ListQuotaApplications(ctx context.Context, status entity.QuotaApplicationStatus) ([]entity.DbQuotaApplication, error)
	ReviewQuotaApplication(ctx context.Context, id uint, review entity.QuotaApplicationReview) (*entity.DbQuotaApplication, error)
}

package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var openStatuses = []entity.GenerationStatus{
	entity.GenerationPending,
	entity.GenerationProcessing,
}

// transitionSources 返回可以迁移到 next 的未结束状态；next 为空时返回全部未结束状态
func transitionSources(next *entity.GenerationStatus) []string {
	out := make([]string, 0, len(openStatuses))
	for _, s := range openStatuses {
		if next == nil || s.CanTransition(*next) {
			out = append(out, string(s))
		}
	}
	return out
}

// CreateGeneration 幂等创建生成记录
//
// 同一用户重复提交相同 task id 时直接返回已有记录，不会再次扣减额度。
// 首次受理时在同一事务内扣减额度，额度不足返回 ErrQuotaExhausted。
func (r *GormRepository) CreateGeneration(ctx context.Context, gen *entity.DbGeneration) (*entity.DbGeneration, bool, error) {
	if err := r.ready(); err != nil {
		return nil, false, err
	}
	if gen == nil || gen.UserID == 0 || strings.TrimSpace(gen.TaskID) == "" {
		return nil, false, fmt.Errorf("generation requires user and task id: %w", errs.ErrInvalidInput)
	}
	if gen.ID == "" {
		gen.ID = uuid.NewString()
	}
	if gen.Status == "" {
		gen.Status = string(entity.GenerationPending)
	}

	var (
		record  *entity.DbGeneration
		existed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByTaskID(tx.Unscoped(), gen.UserID, gen.TaskID)
		if err == nil {
			record, existed = existing, true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		res := tx.Model(&entity.DbUser{}).
			Where("id = ? AND quota_remaining > 0", gen.UserID).
			Updates(map[string]interface{}{
				"quota_remaining": gorm.Expr("quota_remaining - ?", 1),
				"quota_used":      gorm.Expr("quota_used + ?", 1),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrQuotaExhausted
		}
		if err := tx.Create(gen).Error; err != nil {
			return err
		}
		record = gen
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发提交同一 task id，另一事务已先写入
			if existing, lerr := findByTaskID(r.db.WithContext(ctx).Unscoped(), gen.UserID, gen.TaskID); lerr == nil {
				return existing, true, nil
			}
		}
		if errors.Is(err, errs.ErrQuotaExhausted) {
			return nil, false, fmt.Errorf("create generation: %w", err)
		}
		return nil, false, translate(err, "create generation")
	}
	return record, existed, nil
}

func findByTaskID(db *gorm.DB, userID uint, taskID string) (*entity.DbGeneration, error) {
	var gen entity.DbGeneration
	if err := db.Where("user_id = ? AND task_id = ?", userID, taskID).First(&gen).Error; err != nil {
		return nil, err
	}
	return &gen, nil
}

// ListGenerations 返回用户的生成记录
func (r *GormRepository) ListGenerations(ctx context.Context, userID uint, since *time.Time) ([]entity.DbGeneration, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if since != nil {
		ts := since.UTC()
		query = query.Unscoped().Where("(updated_at > ? OR deleted_at > ?)", ts, ts)
	}

	var records []entity.DbGeneration
	if err := query.Order("created_at DESC, id DESC").Find(&records).Error; err != nil {
		return nil, translate(err, "list generations")
	}
	return records, nil
}

// GetGeneration loads a live generation owned by the user.
func (r *GormRepository) GetGeneration(ctx context.Context, userID uint, id string) (*entity.DbGeneration, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var gen entity.DbGeneration
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&gen).Error; err != nil {
		return nil, translate(err, "load generation")
	}
	return &gen, nil
}

// GetGenerationByTaskID loads a live generation by its client-minted task id.
func (r *GormRepository) GetGenerationByTaskID(ctx context.Context, userID uint, taskID string) (*entity.DbGeneration, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	gen, err := findByTaskID(r.db.WithContext(ctx), userID, strings.TrimSpace(taskID))
	if err != nil {
		return nil, translate(err, "load generation")
	}
	return gen, nil
}

// UpdateGeneration 更新未结束的生成记录，状态只能前进，已完成或已失败的记录不会被改写
func (r *GormRepository) UpdateGeneration(ctx context.Context, id string, updates entity.GenerationUpdates) error {
	if err := r.ready(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("invalid generation id: %w", errs.ErrInvalidInput)
	}
	if updates.IsEmpty() {
		return nil
	}
	if updates.Status != nil && !updates.Status.Valid() {
		return fmt.Errorf("invalid generation status %q: %w", *updates.Status, errs.ErrInvalidInput)
	}

	res := r.db.WithContext(ctx).Model(&entity.DbGeneration{}).
		Where("id = ? AND status IN ?", id, transitionSources(updates.Status)).
		Updates(updates.ToMap())
	if res.Error != nil {
		return translate(res.Error, "update generation")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&entity.DbGeneration{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return translate(err, "update generation")
	}
	if count == 0 {
		return fmt.Errorf("update generation %s: %w", id, errs.ErrNotFound)
	}
	return fmt.Errorf("generation %s already settled: %w", id, errs.ErrConflict)
}

// SoftDeleteGeneration 软删除生成记录，ref 可以是记录 id 或 task id
//
// 重复删除视为成功；删除时间同时写入 updated_at 以便增量同步捕获墓碑。
func (r *GormRepository) SoftDeleteGeneration(ctx context.Context, userID uint, ref string) error {
	if err := r.ready(); err != nil {
		return err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("generation reference is empty: %w", errs.ErrInvalidInput)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen entity.DbGeneration
		err := tx.Unscoped().
			Where("user_id = ? AND (id = ? OR task_id = ?)", userID, ref, ref).
			First(&gen).Error
		if err != nil {
			return translate(err, "delete generation")
		}
		if gen.DeletedAt.Valid {
			return nil
		}
		now := time.Now().UTC()
		return tx.Unscoped().Model(&entity.DbGeneration{}).
			Where("id = ?", gen.ID).
			UpdateColumns(map[string]interface{}{"deleted_at": now, "updated_at": now}).Error
	})
}

// ListUnfinishedGenerations returns pending or processing generations, oldest first.
func (r *GormRepository) ListUnfinishedGenerations(ctx context.Context, limit int) ([]entity.DbGeneration, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var records []entity.DbGeneration
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(entity.GenerationPending), string(entity.GenerationProcessing)}).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, translate(err, "list unfinished generations")
	}
	return records, nil
}

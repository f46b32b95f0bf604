package sql

import (
	"context"
	"errors"
	"fmt"

	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListFavorites returns every favorite of the user, newest first.
func (r *GormRepository) ListFavorites(ctx context.Context, userID uint) ([]entity.DbFavorite, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var favorites []entity.DbFavorite
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&favorites).Error; err != nil {
		return nil, translate(err, "list favorites")
	}
	return favorites, nil
}

// CreateFavorite 收藏某次生成的一张输出图
//
// 生成记录必须存在且属于该用户；同一 (user, generation, index) 只允许一条收藏，
// 重复创建返回 ErrConflict。
func (r *GormRepository) CreateFavorite(ctx context.Context, fav *entity.DbFavorite) error {
	if err := r.ready(); err != nil {
		return err
	}
	if fav == nil || fav.UserID == 0 || fav.GenerationID == "" {
		return fmt.Errorf("favorite requires user and generation: %w", errs.ErrInvalidInput)
	}
	if fav.ImageIndex < 0 {
		return fmt.Errorf("image index %d: %w", fav.ImageIndex, errs.ErrInvalidInput)
	}
	if fav.ID == "" {
		fav.ID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen entity.DbGeneration
		if err := tx.Where("id = ? AND user_id = ?", fav.GenerationID, fav.UserID).First(&gen).Error; err != nil {
			return translate(err, "load generation")
		}
		if fav.ImageIndex >= len(gen.OutputImages) {
			return fmt.Errorf("image index %d out of range: %w", fav.ImageIndex, errs.ErrInvalidInput)
		}

		var existing entity.DbFavorite
		err := tx.Where("user_id = ? AND generation_id = ? AND image_index = ?", fav.UserID, fav.GenerationID, fav.ImageIndex).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf("favorite %s already exists: %w", existing.ID, errs.ErrConflict)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(fav).Error
	})
	return translate(err, "create favorite")
}

// DeleteFavorite 删除收藏，记录不存在时返回 ErrNotFound
func (r *GormRepository) DeleteFavorite(ctx context.Context, userID uint, id string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("favorite id is empty: %w", errs.ErrInvalidInput)
	}
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&entity.DbFavorite{})
	if res.Error != nil {
		return translate(res.Error, "delete favorite")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("favorite %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

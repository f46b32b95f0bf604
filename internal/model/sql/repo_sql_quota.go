package sql

import (
	"context"
	"fmt"

	"productshot/internal/entity"
	"productshot/internal/errs"

	"gorm.io/gorm"
)

// GetQuota 读取用户当前额度
func (r *GormRepository) GetQuota(ctx context.Context, userID uint) (entity.Quota, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return entity.Quota{}, err
	}
	return entity.Quota{Remaining: user.QuotaRemaining, Used: user.QuotaUsed}, nil
}

// GrantQuota 为用户增加额度
func (r *GormRepository) GrantQuota(ctx context.Context, userID uint, amount int) error {
	if err := r.ready(); err != nil {
		return err
	}
	return grantQuota(r.db.WithContext(ctx), userID, amount)
}

func grantQuota(db *gorm.DB, userID uint, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount %d: %w", amount, errs.ErrInvalidInput)
	}
	res := db.Model(&entity.DbUser{}).Where("id = ?", userID).
		Update("quota_remaining", gorm.Expr("quota_remaining + ?", amount))
	if res.Error != nil {
		return translate(res.Error, "grant quota")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, errs.ErrNotFound)
	}
	return nil
}

// CreateQuotaApplication files a new application in pending state.
func (r *GormRepository) CreateQuotaApplication(ctx context.Context, app *entity.DbQuotaApplication) error {
	if err := r.ready(); err != nil {
		return err
	}
	if app == nil || app.Email == "" || app.Reason == "" {
		return fmt.Errorf("application requires email and reason: %w", errs.ErrInvalidInput)
	}
	app.Status = string(entity.QuotaApplicationPending)
	app.Granted = 0
	return translate(r.db.WithContext(ctx).Create(app).Error, "create quota application")
}

// ListQuotaApplications lists applications, optionally filtered by status.
func (r *GormRepository) ListQuotaApplications(ctx context.Context, status entity.QuotaApplicationStatus) ([]entity.DbQuotaApplication, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	query := r.db.WithContext(ctx).Model(&entity.DbQuotaApplication{})
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var apps []entity.DbQuotaApplication
	if err := query.Order("id DESC").Find(&apps).Error; err != nil {
		return nil, translate(err, "list quota applications")
	}
	return apps, nil
}

// ReviewQuotaApplication 审核额度申请，通过时在同一事务内为申请人增加额度
func (r *GormRepository) ReviewQuotaApplication(ctx context.Context, id uint, review entity.QuotaApplicationReview) (*entity.DbQuotaApplication, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if review.Status != entity.QuotaApplicationApproved && review.Status != entity.QuotaApplicationRejected {
		return nil, fmt.Errorf("review status %q: %w", review.Status, errs.ErrInvalidInput)
	}

	var app entity.DbQuotaApplication
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, id).Error; err != nil {
			return translate(err, "load quota application")
		}
		if app.Status != string(entity.QuotaApplicationPending) {
			return fmt.Errorf("application %d already %s: %w", id, app.Status, errs.ErrConflict)
		}

		granted := 0
		if review.Status == entity.QuotaApplicationApproved && review.Grant > 0 && app.UserID != nil {
			if err := grantQuota(tx, *app.UserID, review.Grant); err != nil {
				return err
			}
			granted = review.Grant
		}
		app.Status = string(review.Status)
		app.Granted = granted
		return tx.Model(&app).Updates(map[string]interface{}{
			"status":  app.Status,
			"granted": app.Granted,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

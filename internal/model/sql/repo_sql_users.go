package sql

import (
	"context"
	"fmt"
	"strings"

	"productshot/internal/entity"
	"productshot/internal/errs"
)

// CreateUser persists a new user record.
func (r *GormRepository) CreateUser(ctx context.Context, user *entity.DbUser) error {
	if err := r.ready(); err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user is nil: %w", errs.ErrInvalidInput)
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	var count int64
	if err := r.db.WithContext(ctx).Model(&entity.DbUser{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
		return translate(err, "create user")
	}
	if count > 0 {
		return fmt.Errorf("email %s already registered: %w", user.Email, errs.ErrConflict)
	}
	return translate(r.db.WithContext(ctx).Create(user).Error, "create user")
}

// GetUserByEmail loads a user by email.
func (r *GormRepository) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil, fmt.Errorf("email is empty: %w", errs.ErrInvalidInput)
	}

	var user entity.DbUser
	if err := r.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(trimmed)).First(&user).Error; err != nil {
		return nil, translate(err, "load user")
	}
	return &user, nil
}

// GetUserByID loads a user by ID.
func (r *GormRepository) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid user id: %w", errs.ErrInvalidInput)
	}
	var user entity.DbUser
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err, "load user")
	}
	return &user, nil
}

// CountUsers returns the total number of registered users.
func (r *GormRepository) CountUsers(ctx context.Context) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&entity.DbUser{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

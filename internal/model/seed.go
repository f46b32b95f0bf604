package model

import (
	"context"
	"errors"
	"strings"

	"productshot/internal/auth"
	"productshot/internal/config"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/sirupsen/logrus"
)

// SeedAdmin 确保配置中的管理员账号存在，便于首次部署后审核额度申请
func SeedAdmin(ctx context.Context, repo Repository, cfg config.Config) error {
	if repo == nil {
		return nil
	}
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || strings.TrimSpace(cfg.AdminPassword) == "" {
		return nil
	}

	_, err := repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	admin := &entity.DbUser{
		Email:          email,
		PasswordHash:   hash,
		DisplayName:    "admin",
		Role:           entity.UserRoleAdmin,
		IsActive:       true,
		QuotaRemaining: cfg.DefaultQuota,
	}
	if err := repo.CreateUser(ctx, admin); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": admin.ID, "email": email}).Info("seeded admin account")
	return nil
}

package sql

import (
	"errors"
	"fmt"

	"productshot/internal/errs"

	"gorm.io/gorm"
)

// GormRepository implements Repository using GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new repository instance
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) ready() error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	return nil
}

// translate 将 gorm 错误映射为共享的哨兵错误
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, errs.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

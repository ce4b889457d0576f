package repository

import (
	"context"
	"errors"

	appErr "github.com/launchforge/engine/pkg/errors"
	"gorm.io/gorm"
)

// BaseRepository defines common CRUD operations.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	GetByID(ctx context.Context, id any, dest *T) error
	Update(ctx context.Context, obj *T) error
	Delete(ctx context.Context, id any) error
}

type baseRepository[T any] struct {
	db *gorm.DB
}

func NewBaseRepository[T any](db *gorm.DB) BaseRepository[T] {
	return &baseRepository[T]{db: db}
}

// affected maps a guarded write to the repository taxonomy: a driver error
// is internal, zero touched rows means the guard did not match.
func affected(res *gorm.DB, action, missing string) error {
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, action+" failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, missing)
	}
	return nil
}

// lookup maps a First/Find error, folding gorm's sentinel into not-found.
func lookup(err error, action, missing string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return appErr.New(appErr.CodeNotFound, missing)
	}
	return appErr.Wrap(err, appErr.CodeInternal, action+" failed")
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create entity failed")
	}
	return nil
}

func (r *baseRepository[T]) GetByID(ctx context.Context, id any, dest *T) error {
	return lookup(r.db.WithContext(ctx).First(dest, "id = ?", id).Error,
		"get entity", "entity not found")
}

func (r *baseRepository[T]) Update(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Save(obj).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "update entity failed")
	}
	return nil
}

func (r *baseRepository[T]) Delete(ctx context.Context, id any) error {
	var t T
	return affected(r.db.WithContext(ctx).Delete(&t, "id = ?", id),
		"delete entity", "entity not found")
}

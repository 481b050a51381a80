// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
)

// CreateUser inserts a new active user row.
func CreateUser(ctx context.Context, db *gorm.DB, name string, bot bool) (*domain.User, error) {
	u := &domain.User{
		ID:        uuid.NewString(),
		Name:      name,
		Active:    true,
		Bot:       bot,
		CreatedAt: time.Now().UTC(),
	}
	return u, db.WithContext(ctx).Create(u).Error
}

// GetUser fetches a user by ID, returning ErrNotFound when missing.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CountActiveUsers returns how many of the given ids belong to existing,
// active users. Callers use this to validate a target list in one query
// instead of N lookups; missing and deactivated ids both fall short of the
// requested count.
func CountActiveUsers(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := db.WithContext(ctx).Model(&domain.User{}).
		Where("id IN ? AND active = ?", ids, true).
		Count(&n).Error
	return n, err
}

// SetUserActive flips the Active flag and reports whether the row changed,
// so callers can distinguish a real transition from a no-op repeat.
func SetUserActive(ctx context.Context, db *gorm.DB, id string, active bool) (changed bool, err error) {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND active = ?", id, !active).
		Update("active", active)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

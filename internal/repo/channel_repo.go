// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for channels and
// their subscriptions, including the atomic subscriber-count adjustment the
// ledger relies on.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
)

// CreateChannel inserts a new channel row. Subscriber counts start at zero.
func CreateChannel(ctx context.Context, db *gorm.DB, name string, private bool) (*domain.Channel, error) {
	c := &domain.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Private:   private,
		CreatedAt: time.Now().UTC(),
	}
	return c, db.WithContext(ctx).Create(c).Error
}

// GetChannel fetches a channel by ID, returning ErrNotFound when missing.
func GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	var c domain.Channel
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetChannelByName fetches a channel by its unique name.
func GetChannelByName(ctx context.Context, db *gorm.DB, name string) (*domain.Channel, error) {
	var c domain.Channel
	if err := db.WithContext(ctx).Where("name = ?", name).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AdjustSubscriberCount applies a relative delta to a channel's denormalized
// subscriber count as a single atomic UPDATE. There is deliberately no
// read-modify-write here: concurrent ledger transactions must serialize on
// the row without losing updates.
func AdjustSubscriberCount(ctx context.Context, db *gorm.DB, channelID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.Channel{}).
		Where("id = ?", channelID).
		Update("subscriber_count", gorm.Expr("subscriber_count + ?", delta)).Error
}

// GetSubscription fetches the subscription row for a (channel, user) pair,
// returning ErrNotFound when no row exists.
func GetSubscription(ctx context.Context, db *gorm.DB, channelID, userID string) (*domain.Subscription, error) {
	var s domain.Subscription
	err := db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSubscription inserts an active subscription row for the pair.
func CreateSubscription(ctx context.Context, db *gorm.DB, channelID, userID string) (*domain.Subscription, error) {
	s := &domain.Subscription{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return s, db.WithContext(ctx).Create(s).Error
}

// SetSubscriptionActive flips a subscription's Active flag and reports
// whether the row changed.
func SetSubscriptionActive(ctx context.Context, db *gorm.DB, subscriptionID string, active bool) (changed bool, err error) {
	res := db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ? AND active = ?", subscriptionID, !active).
		Update("active", active)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ActiveSubscriberIDs returns the ids of active users holding an active
// subscription to the channel. This is the channel fan-out set.
func ActiveSubscriberIDs(ctx context.Context, db *gorm.DB, channelID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Subscription{}).
		Joins("JOIN users ON users.id = subscriptions.user_id").
		Where("subscriptions.channel_id = ? AND subscriptions.active = ? AND users.active = ?", channelID, true, true).
		Order("subscriptions.user_id ASC").
		Pluck("subscriptions.user_id", &ids).Error
	return ids, err
}

// ActiveSubscribedChannelIDs returns the ids of channels to which the user
// holds an active subscription row, regardless of the user's own Active
// flag. The ledger uses this when activating or deactivating a user.
func ActiveSubscribedChannelIDs(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("user_id = ? AND active = ?", userID, true).
		Pluck("channel_id", &ids).Error
	return ids, err
}

// RecomputeSubscriberCount counts active subscribers from scratch. It exists
// for consistency checks and repair tooling only; the online path never
// derives the counter this way.
func RecomputeSubscriberCount(ctx context.Context, db *gorm.DB, channelID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Subscription{}).
		Joins("JOIN users ON users.id = subscriptions.user_id").
		Where("subscriptions.channel_id = ? AND subscriptions.active = ? AND users.active = ?", channelID, true, true).
		Count(&n).Error
	return n, err
}

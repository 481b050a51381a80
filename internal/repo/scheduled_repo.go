// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for scheduled
// messages, including the compare-and-set claim the dispatcher uses to
// guarantee single delivery under concurrent workers.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
)

// CreateScheduledMessage inserts a pending scheduled message. Direct-target
// user ids are stored as a JSON array in the TargetUserIDs column.
func CreateScheduledMessage(ctx context.Context, db *gorm.DB, sm *domain.ScheduledMessage, targetUserIDs []string) (*domain.ScheduledMessage, error) {
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = time.Now().UTC()
	}
	if len(targetUserIDs) > 0 {
		raw, err := json.Marshal(targetUserIDs)
		if err != nil {
			return nil, err
		}
		sm.TargetUserIDs = string(raw)
	}
	return sm, db.WithContext(ctx).Create(sm).Error
}

// DecodeTargetUserIDs unpacks the JSON-encoded direct-target user ids.
func DecodeTargetUserIDs(sm *domain.ScheduledMessage) ([]string, error) {
	if sm.TargetUserIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(sm.TargetUserIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetScheduledMessage fetches a scheduled message by ID.
func GetScheduledMessage(ctx context.Context, db *gorm.DB, id string) (*domain.ScheduledMessage, error) {
	var sm domain.ScheduledMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&sm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sm, nil
}

// ClaimLease is how long a claim keeps a pending row out of the due scan.
// A worker that crashes between claiming and the terminal mark leaves the
// row reclaimable once the lease expires, instead of stranding it forever.
const ClaimLease = 5 * time.Minute

// FindEarliestDueScheduledMessage returns the earliest pending message whose
// delivery time has passed and whose claim, if any, has expired, or
// ErrNotFound when nothing is due.
func FindEarliestDueScheduledMessage(ctx context.Context, db *gorm.DB, now time.Time) (*domain.ScheduledMessage, error) {
	stale := now.Add(-ClaimLease)
	var sm domain.ScheduledMessage
	err := db.WithContext(ctx).
		Where("delivered = ? AND failed = ? AND (claimed_at IS NULL OR claimed_at <= ?) AND scheduled_at <= ?",
			false, false, stale, now).
		Order("scheduled_at ASC, id ASC").
		First(&sm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

// ClaimScheduledMessage atomically claims a pending message for delivery.
// The WHERE clause is the compare-and-set: only the worker whose UPDATE
// sets ClaimedAt owns the row, so racing workers cannot both deliver it. A
// claim older than ClaimLease no longer protects the row; a live worker may
// take it over.
func ClaimScheduledMessage(ctx context.Context, db *gorm.DB, id string, now time.Time) (claimed bool, err error) {
	stale := now.Add(-ClaimLease)
	res := db.WithContext(ctx).Model(&domain.ScheduledMessage{}).
		Where("id = ? AND delivered = ? AND failed = ? AND (claimed_at IS NULL OR claimed_at <= ?)",
			id, false, false, stale).
		Update("claimed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkScheduledDelivered records a successful delivery and the resulting
// message id. Terminal.
func MarkScheduledDelivered(ctx context.Context, db *gorm.DB, id, deliveredMessageID string) error {
	return db.WithContext(ctx).Model(&domain.ScheduledMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivered":            true,
			"delivered_message_id": deliveredMessageID,
		}).Error
}

// MarkScheduledFailed records a permanently failed delivery attempt.
// Terminal; resubmission is an explicit caller action, never a retry here.
func MarkScheduledFailed(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.ScheduledMessage{}).
		Where("id = ?", id).
		Update("failed", true).Error
}

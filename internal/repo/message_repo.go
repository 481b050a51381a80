// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for messages and
// per-recipient delivery rows.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
)

// CreateMessage inserts a new message row.
func CreateMessage(ctx context.Context, db *gorm.DB, senderID, recipientID, topic, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Topic:       topic,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateUserMessage inserts the delivery row for one recipient user.
func CreateUserMessage(ctx context.Context, db *gorm.DB, messageID, userID string, read, mentioned bool) (*domain.UserMessage, error) {
	um := &domain.UserMessage{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Read:      read,
		Mentioned: mentioned,
		CreatedAt: time.Now().UTC(),
	}
	return um, db.WithContext(ctx).Create(um).Error
}

// GetUserMessage fetches the delivery row for a (message, user) pair.
func GetUserMessage(ctx context.Context, db *gorm.DB, messageID, userID string) (*domain.UserMessage, error) {
	var um domain.UserMessage
	err := db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&um).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &um, nil
}

// ListUserMessages returns a user's delivery rows, unread first, then
// newest first within each read state. This is the inbox ordering.
func ListUserMessages(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.UserMessage, error) {
	var out []domain.UserMessage
	q := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("read ASC, created_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// isUniqueViolation detects unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed: unique") ||
		strings.Contains(msg, "duplicate key")
}

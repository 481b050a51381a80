// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for recipient
// rows and direct-message groups keyed by member set.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
)

// GetOrCreateRecipient returns the unique recipient row for (type, typeID),
// creating it on first use. Safe under concurrency: a racing insert that
// loses on the unique index falls back to re-reading the winner's row.
func GetOrCreateRecipient(ctx context.Context, db *gorm.DB, recipientType, typeID string) (*domain.Recipient, error) {
	var r domain.Recipient
	err := db.WithContext(ctx).
		Where("type = ? AND type_id = ?", recipientType, typeID).
		First(&r).Error
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	r = domain.Recipient{
		ID:        uuid.NewString(),
		Type:      recipientType,
		TypeID:    typeID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&r).Error; err != nil {
		if isUniqueViolation(err) {
			var again domain.Recipient
			if ferr := db.WithContext(ctx).
				Where("type = ? AND type_id = ?", recipientType, typeID).
				First(&again).Error; ferr == nil {
				return &again, nil
			}
		}
		return nil, err
	}
	return &r, nil
}

// FindDirectMessageGroupByMembers looks up the DM group for exactly this
// member set, without creating one. Returns ErrNotFound when no group with
// that set exists.
func FindDirectMessageGroupByMembers(ctx context.Context, db *gorm.DB, memberIDs []string) (*domain.DirectMessageGroup, error) {
	var g domain.DirectMessageGroup
	err := db.WithContext(ctx).
		Where("member_hash = ?", domain.MemberSetHash(memberIDs)).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetOrCreateDirectMessageGroup resolves the DM group for a member set,
// creating the group and its membership rows on first use. The member-set
// hash makes the operation idempotent and order-independent: any ordering
// of the same ids maps to the same group.
func GetOrCreateDirectMessageGroup(ctx context.Context, db *gorm.DB, memberIDs []string) (*domain.DirectMessageGroup, error) {
	hash := domain.MemberSetHash(memberIDs)

	var g domain.DirectMessageGroup
	err := db.WithContext(ctx).Where("member_hash = ?", hash).First(&g).Error
	if err == nil {
		return &g, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	g = domain.DirectMessageGroup{
		ID:         uuid.NewString(),
		MemberHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&g).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(memberIDs))
		for _, uid := range memberIDs {
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			m := &domain.DirectMessageGroupMember{
				ID:      uuid.NewString(),
				GroupID: g.ID,
				UserID:  uid,
			}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			var again domain.DirectMessageGroup
			if ferr := db.WithContext(ctx).Where("member_hash = ?", hash).First(&again).Error; ferr == nil {
				return &again, nil
			}
		}
		return nil, err
	}
	return &g, nil
}

// DirectMessageGroupMemberIDs returns the member ids of a DM group.
func DirectMessageGroupMemberIDs(ctx context.Context, db *gorm.DB, groupID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.DirectMessageGroupMember{}).
		Where("group_id = ?", groupID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

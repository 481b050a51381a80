// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for user groups
// and the storage backend consumed by the mention resolver.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/mention"
)

// CreateUserGroup inserts a group and its membership rows in one
// transaction. The lookup key is the folded name, so later mention
// resolution is case-insensitive.
func CreateUserGroup(ctx context.Context, db *gorm.DB, name string, memberIDs []string) (*domain.UserGroup, error) {
	g := &domain.UserGroup{
		ID:        uuid.NewString(),
		Name:      name,
		LowerName: mention.FoldName(name),
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		for _, uid := range memberIDs {
			m := &domain.UserGroupMember{
				ID:          uuid.NewString(),
				UserGroupID: g.ID,
				UserID:      uid,
			}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DeactivateUserGroup marks a group deactivated. Membership rows are kept;
// a deactivated group simply stops yielding members anywhere.
func DeactivateUserGroup(ctx context.Context, db *gorm.DB, groupID string) error {
	return db.WithContext(ctx).Model(&domain.UserGroup{}).
		Where("id = ?", groupID).
		Update("deactivated", true).Error
}

// MentionBackend adapts the repo layer to the mention.Backend interface.
type MentionBackend struct {
	DB *gorm.DB
}

var _ mention.Backend = MentionBackend{}

// GroupsByName returns the groups whose folded name is among names.
// Unknown names simply produce no row.
func (b MentionBackend) GroupsByName(ctx context.Context, names []string) ([]domain.UserGroup, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var groups []domain.UserGroup
	err := b.DB.WithContext(ctx).
		Where("lower_name IN ?", names).
		Find(&groups).Error
	return groups, err
}

// ActiveGroupMembers returns the active member ids for each requested
// group, batched into a single query to avoid N+1 membership lookups.
func (b MentionBackend) ActiveGroupMembers(ctx context.Context, groupIDs []string) (map[string][]string, error) {
	if len(groupIDs) == 0 {
		return map[string][]string{}, nil
	}
	var rows []struct {
		UserGroupID string
		UserID      string
	}
	err := b.DB.WithContext(ctx).Model(&domain.UserGroupMember{}).
		Select("user_group_members.user_group_id, user_group_members.user_id").
		Joins("JOIN users ON users.id = user_group_members.user_id").
		Where("user_group_members.user_group_id IN ? AND users.active = ?", groupIDs, true).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(groupIDs))
	for _, r := range rows {
		out[r.UserGroupID] = append(out[r.UserGroupID], r.UserID)
	}
	return out, nil
}

// Package domain defines the persistence models for the messaging core:
// users, channels, subscriptions, user groups, recipients, messages,
// per-recipient delivery rows, and scheduled messages. These types are
// mapped with GORM and form the data layer beneath the delivery pipeline.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Recipient type tags. A Recipient row is a tagged reference to exactly one
// of: a single user (personal), a direct-message group, or a channel.
const (
	RecipientPersonal = "personal"
	RecipientGroupDM  = "group"
	RecipientChannel  = "channel"
)

// User is an account that can send and receive messages.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name: display name.
//   - Active: deactivated users are excluded from subscriber counts,
//     mention membership, and delivery sets.
//   - Bot: bots are ordinary active users for counting purposes.
type User struct {
	ID        string    `json:"id"     gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"   gorm:"type:varchar(255);not null"`
	Active    bool      `json:"active" gorm:"not null;default:true"`
	Bot       bool      `json:"bot"    gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Channel is a named broadcast recipient (a stream). Messages sent to it
// fan out to all active subscribers.
//
// SubscriberCount is denormalized: it always equals the number of active
// users holding an active subscription row for the channel. It is mutated
// only through atomic SQL increments by the subscription ledger and is
// never recomputed from scratch on the hot path.
type Channel struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	Name            string    `json:"name"             gorm:"type:varchar(255);not null;uniqueIndex:ux_channel_name"`
	Private         bool      `json:"private"          gorm:"not null;default:false"`
	SubscriberCount int64     `json:"subscriber_count" gorm:"not null;default:0;check:subscriber_count >= 0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for Channel.
func (Channel) TableName() string { return "channels" }

// Subscription links a user to a channel. The (channel, user) pair is
// unique; repeated subscribe/unsubscribe calls toggle Active rather than
// creating or deleting rows, which keeps ledger operations idempotent.
type Subscription struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ChannelID string    `json:"channel_id" gorm:"type:char(36);not null;uniqueIndex:ux_sub_channel_user,priority:1;index"`
	UserID    string    `json:"user_id"    gorm:"type:char(36);not null;uniqueIndex:ux_sub_channel_user,priority:2;index"`
	Active    bool      `json:"active"     gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Channel Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User    User    `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// UserGroup is a named set of users that can be mentioned in messages.
// LowerName is the case-insensitive lookup key and is kept in sync with
// Name on create. Deactivated groups never yield membership, regardless of
// how they are mentioned.
type UserGroup struct {
	ID          string    `json:"id"          gorm:"type:char(36);primaryKey"`
	Name        string    `json:"name"        gorm:"type:varchar(255);not null"`
	LowerName   string    `json:"-"           gorm:"type:varchar(255);not null;uniqueIndex:ux_group_lower_name"`
	Deactivated bool      `json:"deactivated" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserGroup.
func (UserGroup) TableName() string { return "user_groups" }

// UserGroupMember is a membership row; the (group, user) pair is unique.
type UserGroupMember struct {
	ID          string `json:"id"            gorm:"type:char(36);primaryKey"`
	UserGroupID string `json:"user_group_id" gorm:"type:char(36);not null;uniqueIndex:ux_group_member,priority:1;index"`
	UserID      string `json:"user_id"       gorm:"type:char(36);not null;uniqueIndex:ux_group_member,priority:2"`

	UserGroup UserGroup `json:"-" gorm:"foreignKey:UserGroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User      User      `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for UserGroupMember.
func (UserGroupMember) TableName() string { return "user_group_members" }

// DirectMessageGroup is a DM recipient keyed by its member-id set.
// MemberHash is a digest over the sorted member ids, so the same set of
// users always resolves to the same group (idempotent get-or-create,
// order-independent).
type DirectMessageGroup struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	MemberHash string    `json:"member_hash" gorm:"type:char(64);not null;uniqueIndex:ux_dm_group_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for DirectMessageGroup.
func (DirectMessageGroup) TableName() string { return "direct_message_groups" }

// DirectMessageGroupMember records membership of a DM group.
type DirectMessageGroupMember struct {
	ID      string `json:"id"       gorm:"type:char(36);primaryKey"`
	GroupID string `json:"group_id" gorm:"type:char(36);not null;uniqueIndex:ux_dm_member,priority:1;index"`
	UserID  string `json:"user_id"  gorm:"type:char(36);not null;uniqueIndex:ux_dm_member,priority:2"`

	Group DirectMessageGroup `json:"-" gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User  User               `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DirectMessageGroupMember.
func (DirectMessageGroupMember) TableName() string { return "direct_message_group_members" }

// Recipient is the tagged union a message is addressed to. Type selects the
// variant and TypeID references the target row (user, DM group, or channel).
// The (type, type_id) pair is unique so each target owns exactly one
// recipient row.
type Recipient struct {
	ID        string    `json:"id"      gorm:"type:char(36);primaryKey"`
	Type      string    `json:"type"    gorm:"type:varchar(16);not null;uniqueIndex:ux_recipient,priority:1;check:type IN ('personal','group','channel')"`
	TypeID    string    `json:"type_id" gorm:"type:char(36);not null;uniqueIndex:ux_recipient,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Recipient.
func (Recipient) TableName() string { return "recipients" }

// Message is an immutable delivered message.
//
// Topic is only meaningful for channel recipients; direct messages carry an
// empty topic.
type Message struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	SenderID    string    `json:"sender_id"    gorm:"type:char(36);not null;index"`
	RecipientID string    `json:"recipient_id" gorm:"type:char(36);not null;index"`
	Topic       string    `json:"topic"        gorm:"type:varchar(255);not null;default:''"`
	Content     string    `json:"content"      gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index"`

	Sender    User      `json:"-" gorm:"foreignKey:SenderID;references:ID"`
	Recipient Recipient `json:"-" gorm:"foreignKey:RecipientID;references:ID"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// UserMessage is the per-recipient delivery row created when a message is
// delivered to a user. Read starts false for everyone except the sender's
// own row outside the self-DM case; Mentioned is set when the user belongs
// to a group mentioned in non-silent form.
type UserMessage struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	MessageID string    `json:"message_id" gorm:"type:char(36);not null;uniqueIndex:ux_user_message,priority:1;index"`
	UserID    string    `json:"user_id"    gorm:"type:char(36);not null;uniqueIndex:ux_user_message,priority:2;index"`
	Read      bool      `json:"read"       gorm:"not null;default:false"`
	Mentioned bool      `json:"mentioned"  gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User    User    `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for UserMessage.
func (UserMessage) TableName() string { return "user_messages" }

// Scheduled message target types, mirroring the live-send request shape.
const (
	TargetDirect  = "direct"
	TargetChannel = "channel"
)

// ScheduledMessage is a message waiting for its delivery time.
//
// Lifecycle: pending -> delivered | failed, terminal either way. ClaimedAt
// is the dispatcher's compare-and-set marker: a worker owns the row only if
// its claim update set ClaimedAt, so two workers can never deliver the same
// row. The claim is a lease; one left behind by a crashed worker expires and
// the row becomes due again.
type ScheduledMessage struct {
	ID                 string     `json:"id"                   gorm:"type:char(36);primaryKey"`
	SenderID           string     `json:"sender_id"            gorm:"type:char(36);not null;index"`
	TargetType         string     `json:"target_type"          gorm:"type:varchar(16);not null;check:target_type IN ('direct','channel')"`
	TargetUserIDs      string     `json:"target_user_ids"      gorm:"type:text;not null;default:''"` // JSON array, direct targets only
	TargetChannelID    string     `json:"target_channel_id"    gorm:"type:char(36);not null;default:''"`
	Topic              string     `json:"topic"                gorm:"type:varchar(255);not null;default:''"`
	Content            string     `json:"content"              gorm:"type:text;not null"`
	ScheduledAt        time.Time  `json:"scheduled_at"         gorm:"not null;index"`
	Delivered          bool       `json:"delivered"            gorm:"not null;default:false"`
	Failed             bool       `json:"failed"               gorm:"not null;default:false"`
	DeliveredMessageID *string    `json:"delivered_message_id" gorm:"type:char(36)"`
	ClaimedAt          *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ScheduledMessage.
func (ScheduledMessage) TableName() string { return "scheduled_messages" }

// MemberSetHash digests a set of user ids into the storage key for a
// DirectMessageGroup. The input is deduplicated and sorted first, so any
// ordering of the same set produces the same hash.
func MemberSetHash(userIDs []string) string {
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

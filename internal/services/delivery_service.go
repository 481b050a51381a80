// Package services – DeliveryService
//
// This file implements message delivery: creating the message row and one
// per-recipient delivery row per target user, atomically, with the initial
// read flags computed by the delivery policy. The sender's own copy is
// auto-read in the normal case; a genuine self-DM is the exception, because
// a note-to-self has not been "seen" in the inbox sense yet.
//
// Observability: public methods are OpenTelemetry-instrumented and delivery
// outcomes feed the Prometheus counters in internal/metrics.
package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/mention"
	"github.com/perivale/teamchat/internal/metrics"
	"github.com/perivale/teamchat/internal/repo"
)

// DeliveryResult reports a completed delivery: the created message and the
// user ids whose delivery should trigger a push or real-time notification
// (unread recipients plus non-silent mention membership, sender excluded).
type DeliveryResult struct {
	Message       domain.Message
	NotifyUserIDs []string
}

// DeliveryService creates messages and their per-recipient delivery rows.
type DeliveryService struct {
	DB *gorm.DB

	// Mentions resolves group mentions in message bodies. Defaults to the
	// repo-backed implementation in NewDeliveryService.
	Mentions mention.Backend

	// MaxContentRunes caps message bodies; zero disables the check.
	MaxContentRunes int
}

// NewDeliveryService constructs a DeliveryService wired to the repo-backed
// mention backend.
func NewDeliveryService(db *gorm.DB) *DeliveryService {
	return &DeliveryService{
		DB:       db,
		Mentions: repo.MentionBackend{DB: db},
	}
}

// Deliver creates the message and a delivery row for every user in the
// resolution, in one transaction.
//
// Read-flag policy:
//   - non-sender recipients always start read=false;
//   - the sender's own row is read=true for channel messages and direct
//     messages that reach at least one other user;
//   - for a self-DM (personal or DM-group recipient whose member set is
//     exactly the sender) the sender's row starts read=false.
//
// The topic is attached only for channel recipients; direct messages
// always store an empty topic.
func (s *DeliveryService) Deliver(ctx context.Context, senderID string, res *Resolution, content, topic string) (*DeliveryResult, error) {
	tr := otel.Tracer("services/DeliveryService")
	ctx, span := tr.Start(ctx, "Deliver",
		trace.WithAttributes(
			attribute.String("sender.id", senderID),
			attribute.String("recipient.type", res.Recipient.Type),
			attribute.Int("recipient.fanout", len(res.UserIDs)),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrContentTooLong
	}
	if res.Recipient.Type != domain.RecipientChannel {
		topic = ""
	}

	// Mention resolution is a read-only batch; it stays outside the write
	// transaction.
	mentions, err := mention.NewData(ctx, s.Mentions, content)
	if err != nil {
		return nil, err
	}
	mentionedSet := mentions.MentionedUserIDs()

	selfOnly := res.SelfOnly(senderID)

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(ctx, tx, senderID, res.Recipient.ID, topic, content)
		if err != nil {
			return err
		}
		msg = m

		for _, uid := range res.UserIDs {
			read := uid == senderID && !selfOnly
			_, mentioned := mentionedSet[uid]
			if _, err := repo.CreateUserMessage(ctx, tx, m.ID, uid, read, mentioned); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesDelivered.WithLabelValues(res.Recipient.Type).Inc()
	metrics.DeliveryRows.Add(float64(len(res.UserIDs)))

	return &DeliveryResult{
		Message:       *msg,
		NotifyUserIDs: notifySet(senderID, selfOnly, res.UserIDs, mentionedSet),
	}, nil
}

// notifySet unions unread recipients with non-silent mention membership,
// excluding the sender. A self-DM notifies the sender: their copy is
// unread by the delivery policy.
func notifySet(senderID string, selfOnly bool, recipients []string, mentioned map[string]struct{}) []string {
	set := make(map[string]struct{}, len(recipients)+len(mentioned))
	for _, uid := range recipients {
		if uid == senderID && !selfOnly {
			continue
		}
		set[uid] = struct{}{}
	}
	for uid := range mentioned {
		if uid == senderID {
			continue
		}
		set[uid] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

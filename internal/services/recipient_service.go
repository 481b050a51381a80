// Package services – RecipientService
//
// This file implements recipient resolution: turning a validated target
// specification (a list of user ids, or a channel id/name) into the
// canonical recipient row and the set of user ids that must receive a
// per-recipient delivery record.
package services

import (
	"context"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/repo"
)

// RecipientRequest is a validated target specification. Type selects the
// addressing mode; ToUserIDs applies to direct requests, ChannelID or
// ChannelName to channel requests. The topic travels with the message, not
// the recipient, so it is absent here.
type RecipientRequest struct {
	Type        string // domain.TargetDirect or domain.TargetChannel
	SenderID    string
	ToUserIDs   []string
	ChannelID   string
	ChannelName string
}

// Resolution is the outcome of recipient resolution: the canonical
// recipient row plus the full delivery set (for channels, every active
// subscriber; for direct messages, the member set including the sender).
type Resolution struct {
	Recipient domain.Recipient
	UserIDs   []string
}

// SelfOnly reports whether the resolution is a genuine self-DM: a personal
// or DM-group recipient whose entire member set is exactly the sender.
// Channel recipients are never self-only, even with one subscriber.
func (r *Resolution) SelfOnly(senderID string) bool {
	if r.Recipient.Type == domain.RecipientChannel {
		return false
	}
	return len(r.UserIDs) == 1 && r.UserIDs[0] == senderID
}

// RecipientService resolves target specifications to recipient entities.
type RecipientService struct {
	DB *gorm.DB
}

// Resolve maps a request to its canonical recipient and delivery set.
//
// Direct requests:
//   - single target equal to the sender resolves to a pre-existing
//     single-member DM group when one exists, otherwise to the sender's
//     personal recipient (both downstream paths apply the self-DM
//     read-flag exception);
//   - a single other user resolves to that user's personal recipient, with
//     the sender added to the delivery set;
//   - two or more others resolve to the DM group for the member set
//     (get-or-create, order-independent).
//
// Channel requests resolve by id when given, else by name, and fan out to
// all active subscribers. Unknown or deactivated target users and unknown
// channels yield ErrRecipientNotFound.
func (s *RecipientService) Resolve(ctx context.Context, req RecipientRequest) (*Resolution, error) {
	tr := otel.Tracer("services/RecipientService")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("recipient.request_type", req.Type),
			attribute.String("sender.id", req.SenderID),
		),
	)
	defer span.End()

	switch req.Type {
	case domain.TargetChannel:
		return s.resolveChannel(ctx, req)
	case domain.TargetDirect:
		return s.resolveDirect(ctx, req)
	default:
		return nil, ErrRecipientNotFound
	}
}

func (s *RecipientService) resolveChannel(ctx context.Context, req RecipientRequest) (*Resolution, error) {
	var (
		ch  *domain.Channel
		err error
	)
	if req.ChannelID != "" {
		ch, err = repo.GetChannel(ctx, s.DB, req.ChannelID)
	} else {
		ch, err = repo.GetChannelByName(ctx, s.DB, req.ChannelName)
	}
	if err != nil {
		return nil, ErrRecipientNotFound
	}

	rec, err := repo.GetOrCreateRecipient(ctx, s.DB, domain.RecipientChannel, ch.ID)
	if err != nil {
		return nil, err
	}
	subscribers, err := repo.ActiveSubscriberIDs(ctx, s.DB, ch.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Recipient: *rec, UserIDs: subscribers}, nil
}

func (s *RecipientService) resolveDirect(ctx context.Context, req RecipientRequest) (*Resolution, error) {
	targets := dedupe(req.ToUserIDs)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	// One query validates the whole target list: every target must exist
	// and be active. Deactivated users are excluded from delivery sets, so
	// they are unreachable by direct message.
	n, err := repo.CountActiveUsers(ctx, s.DB, targets)
	if err != nil {
		return nil, err
	}
	if n != int64(len(targets)) {
		return nil, ErrRecipientNotFound
	}

	others := make([]string, 0, len(targets))
	for _, id := range targets {
		if id != req.SenderID {
			others = append(others, id)
		}
	}

	switch len(others) {
	case 0:
		// Self-DM. Honor a pre-created single-member DM group when the
		// caller made one; otherwise route through the personal recipient.
		members := []string{req.SenderID}
		if g, err := repo.FindDirectMessageGroupByMembers(ctx, s.DB, members); err == nil {
			rec, err := repo.GetOrCreateRecipient(ctx, s.DB, domain.RecipientGroupDM, g.ID)
			if err != nil {
				return nil, err
			}
			return &Resolution{Recipient: *rec, UserIDs: members}, nil
		}
		rec, err := repo.GetOrCreateRecipient(ctx, s.DB, domain.RecipientPersonal, req.SenderID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Recipient: *rec, UserIDs: members}, nil

	case 1:
		rec, err := repo.GetOrCreateRecipient(ctx, s.DB, domain.RecipientPersonal, others[0])
		if err != nil {
			return nil, err
		}
		return &Resolution{Recipient: *rec, UserIDs: []string{others[0], req.SenderID}}, nil

	default:
		members := append(others, req.SenderID)
		g, err := repo.GetOrCreateDirectMessageGroup(ctx, s.DB, members)
		if err != nil {
			return nil, err
		}
		rec, err := repo.GetOrCreateRecipient(ctx, s.DB, domain.RecipientGroupDM, g.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Recipient: *rec, UserIDs: members}, nil
	}
}

// dedupe removes duplicate ids while preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

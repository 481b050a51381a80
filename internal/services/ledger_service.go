// Package services – LedgerService
//
// This file implements the subscriber-count ledger: the component that
// keeps each channel's denormalized subscriber_count equal to the number
// of active users with an active subscription row, under concurrent
// subscribe/unsubscribe and activate/deactivate operations.
//
// Every operation runs in one transaction and adjusts counters with atomic
// SQL increments, so concurrent calls on the same channel serialize
// without lost updates. All operations are idempotent: repeating one
// changes nothing.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perivale/teamchat/internal/repo"
)

// LedgerService maintains channel subscriber counts alongside subscription
// and user-activation changes.
type LedgerService struct {
	DB *gorm.DB
}

// OnSubscribe subscribes users to a channel. For each user without an
// active subscription it creates or reactivates the row; the channel
// counter grows by the number of newly-added active subscriptions whose
// user is active, not by the batch size. Already-subscribed users are
// no-ops.
func (s *LedgerService) OnSubscribe(ctx context.Context, channelID string, userIDs []string) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "OnSubscribe",
		trace.WithAttributes(
			attribute.String("channel.id", channelID),
			attribute.Int("batch.size", len(userIDs)),
		),
	)
	defer span.End()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetChannel(ctx, tx, channelID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRecipientNotFound
			}
			return err
		}

		var delta int64
		for _, uid := range dedupe(userIDs) {
			u, err := repo.GetUser(ctx, tx, uid)
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRecipientNotFound
			}
			if err != nil {
				return err
			}

			sub, err := repo.GetSubscription(ctx, tx, channelID, uid)
			switch {
			case err == nil:
				changed, err := repo.SetSubscriptionActive(ctx, tx, sub.ID, true)
				if err != nil {
					return err
				}
				if changed && u.Active {
					delta++
				}
			case errors.Is(err, repo.ErrNotFound):
				if _, err := repo.CreateSubscription(ctx, tx, channelID, uid); err != nil {
					return err
				}
				if u.Active {
					delta++
				}
			default:
				return err
			}
		}
		return repo.AdjustSubscriberCount(ctx, tx, channelID, delta)
	})
}

// OnUnsubscribe removes users from a channel. Only users whose subscription
// was actually active count toward the decrement; unsubscribing someone who
// is not subscribed is a no-op.
func (s *LedgerService) OnUnsubscribe(ctx context.Context, channelID string, userIDs []string) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "OnUnsubscribe",
		trace.WithAttributes(
			attribute.String("channel.id", channelID),
			attribute.Int("batch.size", len(userIDs)),
		),
	)
	defer span.End()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetChannel(ctx, tx, channelID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRecipientNotFound
			}
			return err
		}

		var delta int64
		for _, uid := range dedupe(userIDs) {
			sub, err := repo.GetSubscription(ctx, tx, channelID, uid)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			changed, err := repo.SetSubscriptionActive(ctx, tx, sub.ID, false)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			u, err := repo.GetUser(ctx, tx, uid)
			if err != nil {
				return err
			}
			if u.Active {
				delta--
			}
		}
		return repo.AdjustSubscriberCount(ctx, tx, channelID, delta)
	})
}

// OnUserDeactivated marks a user inactive and decrements the counter of
// every channel the user actively subscribes to. Subscription rows are left
// in place; only whether the user counts changes. Deactivating an
// already-inactive user changes nothing.
func (s *LedgerService) OnUserDeactivated(ctx context.Context, userID string) error {
	return s.setUserActive(ctx, userID, false)
}

// OnUserActivated is the inverse of OnUserDeactivated.
func (s *LedgerService) OnUserActivated(ctx context.Context, userID string) error {
	return s.setUserActive(ctx, userID, true)
}

func (s *LedgerService) setUserActive(ctx context.Context, userID string, active bool) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "SetUserActive",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Bool("user.active", active),
		),
	)
	defer span.End()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetUser(ctx, tx, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRecipientNotFound
			}
			return err
		}

		changed, err := repo.SetUserActive(ctx, tx, userID, active)
		if err != nil {
			return err
		}
		if !changed {
			// Already in the requested state; counters are untouched.
			return nil
		}

		channelIDs, err := repo.ActiveSubscribedChannelIDs(ctx, tx, userID)
		if err != nil {
			return err
		}
		delta := int64(-1)
		if active {
			delta = 1
		}
		for _, chID := range channelIDs {
			if err := repo.AdjustSubscriberCount(ctx, tx, chID, delta); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckSubscriberCount compares a channel's denormalized counter against a
// from-scratch recount. A mismatch is a data-integrity bug to be repaired
// by explicit recomputation, never masked; this helper exists for that
// external consistency check and is not part of any hot path.
func (s *LedgerService) CheckSubscriberCount(ctx context.Context, channelID string) (stored, actual int64, err error) {
	ch, err := repo.GetChannel(ctx, s.DB, channelID)
	if err != nil {
		return 0, 0, err
	}
	actual, err = repo.RecomputeSubscriberCount(ctx, s.DB, channelID)
	if err != nil {
		return 0, 0, err
	}
	return ch.SubscriberCount, actual, nil
}

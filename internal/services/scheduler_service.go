// Package services – SchedulerService
//
// This file implements the scheduled-message dispatcher. Each scheduled
// message is a small state machine, pending -> delivered | failed, terminal
// either way: a failed attempt is recorded and never retried automatically.
// Claiming a due message is a compare-and-set, so any number of concurrent
// workers deliver each message exactly once.
//
// The core unit of work is TryDeliverOne; RunWorker is an optional polling
// loop for an external worker process. An external timer may equally call
// TryDeliverOne directly.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/metrics"
	"github.com/perivale/teamchat/internal/repo"
)

// SchedulerService finds due scheduled messages and hands them to the
// delivery engine at their delivery time.
type SchedulerService struct {
	DB         *gorm.DB
	Recipients *RecipientService
	Delivery   *DeliveryService
}

// NewSchedulerService constructs a SchedulerService with repo-backed
// collaborators over the same database handle.
func NewSchedulerService(db *gorm.DB) *SchedulerService {
	return &SchedulerService{
		DB:         db,
		Recipients: &RecipientService{DB: db},
		Delivery:   NewDeliveryService(db),
	}
}

// Schedule stores a validated message for later delivery. The target
// specification is captured as-is; it is resolved at delivery time, so a
// target deleted in the meantime surfaces as a failed delivery, not a
// scheduling error.
func (s *SchedulerService) Schedule(ctx context.Context, senderID string, req RecipientRequest, content, topic string, deliverAt time.Time) (*domain.ScheduledMessage, error) {
	sm := &domain.ScheduledMessage{
		SenderID:        senderID,
		TargetType:      req.Type,
		TargetChannelID: req.ChannelID,
		Topic:           topic,
		Content:         content,
		ScheduledAt:     deliverAt.UTC(),
	}
	return repo.CreateScheduledMessage(ctx, s.DB, sm, req.ToUserIDs)
}

// TryDeliverOne delivers the earliest-due pending scheduled message, if
// any. It returns whether a message was processed: false means nothing was
// due and nothing changed. A processed message ends delivered or failed;
// both are terminal. Racing callers contend on the claim and the loser
// simply moves to the next due message.
func (s *SchedulerService) TryDeliverOne(ctx context.Context) (bool, error) {
	tr := otel.Tracer("services/SchedulerService")
	ctx, span := tr.Start(ctx, "TryDeliverOne")
	defer span.End()

	now := time.Now().UTC()
	for {
		sm, err := repo.FindEarliestDueScheduledMessage(ctx, s.DB, now)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		claimed, err := repo.ClaimScheduledMessage(ctx, s.DB, sm.ID, now)
		if err != nil {
			return false, err
		}
		if !claimed {
			// Another worker owns it; look for the next due row.
			continue
		}
		span.SetAttributes(attribute.String("scheduled_message.id", sm.ID))

		msg, derr := s.deliverScheduled(ctx, sm)
		if derr != nil {
			metrics.ScheduledDispatch.WithLabelValues("failed").Inc()
			log.Error().
				Err(derr).
				Str("scheduled_message_id", sm.ID).
				Str("sender_id", sm.SenderID).
				Msg("scheduled message delivery failed")
			if err := repo.MarkScheduledFailed(ctx, s.DB, sm.ID); err != nil {
				return true, err
			}
			return true, nil
		}

		metrics.ScheduledDispatch.WithLabelValues("delivered").Inc()
		log.Info().
			Str("scheduled_message_id", sm.ID).
			Str("message_id", msg.ID).
			Msg("delivered scheduled message")
		if err := repo.MarkScheduledDelivered(ctx, s.DB, sm.ID, msg.ID); err != nil {
			return true, err
		}
		return true, nil
	}
}

// deliverScheduled resolves the stored target spec and runs the delivery
// engine. Any failure, resolution or delivery, is wrapped as
// ErrDeliveryFailed and ends the message in the failed state.
func (s *SchedulerService) deliverScheduled(ctx context.Context, sm *domain.ScheduledMessage) (*domain.Message, error) {
	targetIDs, err := repo.DecodeTargetUserIDs(sm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	res, err := s.Recipients.Resolve(ctx, RecipientRequest{
		Type:      sm.TargetType,
		SenderID:  sm.SenderID,
		ToUserIDs: targetIDs,
		ChannelID: sm.TargetChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	out, err := s.Delivery.Deliver(ctx, sm.SenderID, res, sm.Content, sm.Topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return &out.Message, nil
}

// RunWorker polls for due messages until ctx is cancelled, draining every
// due message on each tick. The limiter paces polling at one scan per
// interval.
func (s *SchedulerService) RunWorker(ctx context.Context, interval time.Duration) error {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		for {
			processed, err := s.TryDeliverOne(ctx)
			if err != nil {
				log.Error().Err(err).Msg("scheduled message scan failed")
				break
			}
			if !processed {
				break
			}
		}
	}
}

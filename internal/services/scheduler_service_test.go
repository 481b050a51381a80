package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/repo"
)

func TestScheduler_NothingDue(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ctx := context.Background()
	sender := mustUser(t, db, "sender")
	other := mustUser(t, db, "other")

	// A future message is not due.
	sm, err := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
	}, "tomorrow", "", time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	processed, err := sched.TryDeliverOne(ctx)
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	if processed {
		t.Fatalf("nothing was due, but processed=true")
	}

	got, _ := repo.GetScheduledMessage(ctx, db, sm.ID)
	if got.Delivered || got.Failed || got.ClaimedAt != nil {
		t.Fatalf("future message must stay pending: %+v", got)
	}
}

func TestScheduler_DeliversDueDirectMessage(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ctx := context.Background()
	sender := mustUser(t, db, "sender")
	other := mustUser(t, db, "other")

	sm, err := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
	}, "ping from the past", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	processed, err := sched.TryDeliverOne(ctx)
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	if !processed {
		t.Fatalf("due message was not processed")
	}

	got, err := repo.GetScheduledMessage(ctx, db, sm.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Delivered || got.Failed {
		t.Fatalf("expected delivered terminal state: %+v", got)
	}
	if got.DeliveredMessageID == nil {
		t.Fatalf("delivered message id must be recorded")
	}

	msg, err := repo.GetMessage(ctx, db, *got.DeliveredMessageID)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Content != "ping from the past" {
		t.Fatalf("content = %q", msg.Content)
	}
	if um, err := repo.GetUserMessage(ctx, db, msg.ID, other.ID); err != nil || um.Read {
		t.Fatalf("receiver delivery row: %+v %v", um, err)
	}

	// Terminal: a second scan finds nothing.
	processed, err = sched.TryDeliverOne(ctx)
	if err != nil || processed {
		t.Fatalf("second scan: processed=%v err=%v", processed, err)
	}
}

func TestScheduler_DeliversDueChannelMessage(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	sender := mustUser(t, db, "sender")
	reader := mustUser(t, db, "reader")
	if err := ledger.OnSubscribe(ctx, ch.ID, []string{sender.ID, reader.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sm, err := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetChannel, SenderID: sender.ID, ChannelID: ch.ID,
	}, "standup in five", "standup", time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if processed, err := sched.TryDeliverOne(ctx); err != nil || !processed {
		t.Fatalf("try: processed=%v err=%v", processed, err)
	}

	got, _ := repo.GetScheduledMessage(ctx, db, sm.ID)
	if !got.Delivered || got.DeliveredMessageID == nil {
		t.Fatalf("scheduled row: %+v", got)
	}
	msg, _ := repo.GetMessage(ctx, db, *got.DeliveredMessageID)
	if msg.Topic != "standup" {
		t.Fatalf("topic = %q", msg.Topic)
	}
	if _, err := repo.GetUserMessage(ctx, db, msg.ID, reader.ID); err != nil {
		t.Fatalf("subscriber delivery row missing: %v", err)
	}
}

func TestScheduler_FailureIsTerminal(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ctx := context.Background()
	sender := mustUser(t, db, "sender")

	// Target channel does not exist at delivery time.
	sm, err := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetChannel, SenderID: sender.ID, ChannelID: "deleted-channel",
	}, "doomed", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	processed, err := sched.TryDeliverOne(ctx)
	if err != nil {
		t.Fatalf("a delivery failure is recorded, not returned: %v", err)
	}
	if !processed {
		t.Fatalf("failed attempt still counts as processed")
	}

	got, _ := repo.GetScheduledMessage(ctx, db, sm.ID)
	if !got.Failed || got.Delivered {
		t.Fatalf("expected failed terminal state: %+v", got)
	}

	// No retry: the next scan does not pick it up again.
	if processed, err := sched.TryDeliverOne(ctx); err != nil || processed {
		t.Fatalf("failed message must never be retried: processed=%v err=%v", processed, err)
	}
}

func TestScheduler_ProcessesOldestFirst(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ctx := context.Background()
	sender := mustUser(t, db, "sender")
	other := mustUser(t, db, "other")

	now := time.Now().UTC()
	first, _ := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
	}, "first", "", now.Add(-2*time.Hour))
	second, _ := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
	}, "second", "", now.Add(-time.Hour))

	if processed, err := sched.TryDeliverOne(ctx); err != nil || !processed {
		t.Fatalf("first pass: %v %v", processed, err)
	}
	a, _ := repo.GetScheduledMessage(ctx, db, first.ID)
	b, _ := repo.GetScheduledMessage(ctx, db, second.ID)
	if !a.Delivered || b.Delivered {
		t.Fatalf("oldest due message must go first: first=%+v second=%+v", a, b)
	}

	if processed, err := sched.TryDeliverOne(ctx); err != nil || !processed {
		t.Fatalf("second pass: %v %v", processed, err)
	}
	b, _ = repo.GetScheduledMessage(ctx, db, second.ID)
	if !b.Delivered {
		t.Fatalf("second message undelivered: %+v", b)
	}
}

func TestScheduler_ConcurrentWorkersDeliverOnce(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	ctx := context.Background()
	sender := mustUser(t, db, "sender")
	other := mustUser(t, db, "other")

	sm, err := sched.Schedule(ctx, sender.ID, RecipientRequest{
		Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
	}, "exactly once", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sched.TryDeliverOne(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	got, _ := repo.GetScheduledMessage(ctx, db, sm.ID)
	if !got.Delivered || got.DeliveredMessageID == nil {
		t.Fatalf("scheduled row: %+v", got)
	}

	// Exactly one message row exists for the sender.
	var n int64
	if err := db.Model(&domain.Message{}).Where("sender_id = ?", sender.ID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("message rows = %d, want exactly 1", n)
	}
}

func TestScheduler_RunWorkerDrainsAndStops(t *testing.T) {
	db := newTestDB(t)
	sched := NewSchedulerService(db)
	sender := mustUser(t, db, "sender")
	other := mustUser(t, db, "other")

	now := time.Now().UTC()
	var due []*domain.ScheduledMessage
	for i := 0; i < 3; i++ {
		sm, err := sched.Schedule(context.Background(), sender.ID, RecipientRequest{
			Type: domain.TargetDirect, SenderID: sender.ID, ToUserIDs: []string{other.ID},
		}, "batch", "", now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
		due = append(due, sm)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sched.RunWorker(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		allDone := true
		for _, sm := range due {
			got, err := repo.GetScheduledMessage(context.Background(), db, sm.ID)
			if err != nil || !got.Delivered {
				allDone = false
				break
			}
		}
		if allDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not drain the due messages in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("worker exit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}
}

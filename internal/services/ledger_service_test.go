package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/perivale/teamchat/internal/repo"
)

func TestLedger_SubscribeUnsubscribeLifecycle(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")
	u3 := mustUser(t, db, "u3")

	if err := ledger.OnSubscribe(ctx, ch.ID, []string{u1.ID, u2.ID, u3.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 3 {
		t.Fatalf("after subscribe: count = %d, want 3", n)
	}

	if err := ledger.OnUnsubscribe(ctx, ch.ID, []string{u2.ID}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 2 {
		t.Fatalf("after unsubscribe: count = %d, want 2", n)
	}

	if err := ledger.OnUserDeactivated(ctx, u1.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 1 {
		t.Fatalf("after deactivate: count = %d, want 1", n)
	}

	if err := ledger.OnUserActivated(ctx, u1.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 2 {
		t.Fatalf("after reactivate: count = %d, want 2", n)
	}

	stored, actual, err := ledger.CheckSubscriberCount(ctx, ch.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if stored != actual {
		t.Fatalf("ledger drifted: stored=%d actual=%d", stored, actual)
	}
}

func TestLedger_SubscribeIdempotent(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	u := mustUser(t, db, "u")

	for i := 0; i < 3; i++ {
		if err := ledger.OnSubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if n := storedCount(t, db, ch.ID); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	// Duplicate ids within one batch collapse too.
	ch2 := mustChannel(t, db, "other")
	if err := ledger.OnSubscribe(ctx, ch2.ID, []string{u.ID, u.ID, u.ID}); err != nil {
		t.Fatalf("batched duplicates: %v", err)
	}
	if n := storedCount(t, db, ch2.ID); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestLedger_UnsubscribeIdempotent(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	u := mustUser(t, db, "u")

	// Unsubscribing a never-subscribed user is a no-op.
	if err := ledger.OnUnsubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
		t.Fatalf("unsubscribe unknown: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}

	if err := ledger.OnSubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ledger.OnUnsubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}
	}
	if n := storedCount(t, db, ch.ID); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestLedger_SubscribeInactiveUserDoesNotCount(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	u := mustUser(t, db, "u")
	if err := ledger.OnUserDeactivated(ctx, u.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if err := ledger.OnSubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 0 {
		t.Fatalf("inactive subscriber counted: %d", n)
	}

	// Reactivation counts the dormant subscription back in.
	if err := ledger.OnUserActivated(ctx, u.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestLedger_ActivationIdempotent(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	u := mustUser(t, db, "u")
	if err := ledger.OnSubscribe(ctx, ch.ID, []string{u.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Activating an already-active user must not double-count.
	if err := ledger.OnUserActivated(ctx, u.ID); err != nil {
		t.Fatalf("activate active: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if err := ledger.OnUserDeactivated(ctx, u.ID); err != nil {
			t.Fatalf("deactivate %d: %v", i, err)
		}
	}
	if n := storedCount(t, db, ch.ID); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestLedger_DeactivationTouchesOnlyActivelySubscribedChannels(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	subbed := mustChannel(t, db, "subbed")
	left := mustChannel(t, db, "left")
	untouched := mustChannel(t, db, "untouched")
	u := mustUser(t, db, "u")
	other := mustUser(t, db, "other")

	if err := ledger.OnSubscribe(ctx, subbed.ID, []string{u.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ledger.OnSubscribe(ctx, left.ID, []string{u.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ledger.OnUnsubscribe(ctx, left.ID, []string{u.ID}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := ledger.OnSubscribe(ctx, untouched.ID, []string{other.ID}); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	if err := ledger.OnUserDeactivated(ctx, u.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if n := storedCount(t, db, subbed.ID); n != 0 {
		t.Fatalf("subbed count = %d, want 0", n)
	}
	if n := storedCount(t, db, left.ID); n != 0 {
		t.Fatalf("left count = %d, want 0", n)
	}
	if n := storedCount(t, db, untouched.ID); n != 1 {
		t.Fatalf("untouched count = %d, want 1", n)
	}
}

func TestLedger_ConcurrentChurnKeepsCounterConsistent(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	const workers = 4
	userIDs := make([]string, workers)
	for i := range userIDs {
		userIDs[i] = mustUser(t, db, fmt.Sprintf("u%d", i)).ID
	}

	// Each worker churns its own subscription and ends subscribed; the
	// counter must absorb the interleaved increments without losing any.
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := userIDs[i]
			for j := 0; j < 5; j++ {
				if err := ledger.OnSubscribe(ctx, ch.ID, []string{uid}); err != nil {
					errs[i] = err
					return
				}
				if err := ledger.OnUnsubscribe(ctx, ch.ID, []string{uid}); err != nil {
					errs[i] = err
					return
				}
			}
			errs[i] = ledger.OnSubscribe(ctx, ch.ID, []string{uid})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	stored, actual, err := ledger.CheckSubscriberCount(ctx, ch.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if stored != actual {
		t.Fatalf("counter lost updates: stored=%d actual=%d", stored, actual)
	}
	if stored != workers {
		t.Fatalf("stored = %d, want %d", stored, workers)
	}
}

func TestLedger_BotsCount(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()

	ch := mustChannel(t, db, "general")
	bot, err := repo.CreateUser(ctx, db, "reminder-bot", true)
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	if err := ledger.OnSubscribe(ctx, ch.ID, []string{bot.ID}); err != nil {
		t.Fatalf("subscribe bot: %v", err)
	}
	if n := storedCount(t, db, ch.ID); n != 1 {
		t.Fatalf("bot not counted: %d", n)
	}
}

func TestLedger_UnknownChannelOrUser(t *testing.T) {
	db := newTestDB(t)
	ledger := &LedgerService{DB: db}
	ctx := context.Background()
	u := mustUser(t, db, "u")

	if err := ledger.OnSubscribe(ctx, "nope", []string{u.ID}); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("unknown channel: expected ErrRecipientNotFound, got %v", err)
	}

	ch := mustChannel(t, db, "general")
	if err := ledger.OnSubscribe(ctx, ch.ID, []string{"ghost"}); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("unknown user: expected ErrRecipientNotFound, got %v", err)
	}
	// The failed transaction must not have moved the counter.
	if n := storedCount(t, db, ch.ID); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}

	if err := ledger.OnUserDeactivated(ctx, "ghost"); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("deactivate unknown user: expected ErrRecipientNotFound, got %v", err)
	}
}

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/storage"
	logx "envoybot/pkg/logx"
)

// afterWindow is past the fixture's 10:00-11:00 vote window.
var afterWindow = time.Date(2026, 8, 31, 11, 30, 0, 0, time.UTC)

type fixture struct {
	store   storage.Store
	clk     *clock.Fake
	entryID int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFake(afterWindow)

	if err := store.UpsertTemplate(ctx, domain.SlotTemplate{ID: 1, VoteStartAt: 600, VoteEndAt: 660}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	slotID, err := store.CreateSlotInstance(ctx, domain.SlotInstance{
		Date: "2026-08-31", TemplateID: 1,
		SourceChatID: 100, TargetChatID: 200,
		Status: domain.SlotArchived, CreatedAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	candID, err := store.AddCandidate(ctx, domain.Candidate{
		SlotInstanceID: slotID, ExternalMessageID: 42,
		Preview: "(bob): winning message", AuthorID: 7, SubmitterID: 7,
		CreatedAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	entryID, err := store.CreateOutboxEntry(ctx, domain.OutboxEntry{
		SlotInstanceID: slotID, CandidateID: candID,
		Status: domain.OutboxPending, CreatedAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("create outbox entry: %v", err)
	}
	return fixture{store: store, clk: clk, entryID: entryID}
}

func (f fixture) due(t *testing.T) []storage.DueDelivery {
	t.Helper()
	now := f.clk.Now()
	due, err := f.store.ListDueOutbox(context.Background(), domain.DateOf(now), domain.MinuteOf(now))
	if err != nil {
		t.Fatalf("list due outbox: %v", err)
	}
	return due
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var calls int
	var gotSource, gotTarget int64
	var gotMsg int
	d := New(f.store, func(_ context.Context, source, target int64, cand domain.Candidate) error {
		calls++
		gotSource, gotTarget, gotMsg = source, target, cand.ExternalMessageID
		return nil
	}, f.clk, logx.Nop())

	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if calls != 1 {
		t.Fatalf("deliver calls = %d, want 1", calls)
	}
	if gotSource != 100 || gotTarget != 200 || gotMsg != 42 {
		t.Fatalf("delivered %d -> %d msg %d, want 100 -> 200 msg 42", gotSource, gotTarget, gotMsg)
	}

	// Sent entries are never picked up again.
	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue (again): %v", err)
	}
	if calls != 1 {
		t.Fatalf("sent entry was redelivered, calls = %d", calls)
	}
	if got := f.due(t); len(got) != 0 {
		t.Fatalf("due after success = %d entries, want 0", len(got))
	}
}

func TestDispatchRetriesThenParks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var calls int
	d := New(f.store, func(context.Context, int64, int64, domain.Candidate) error {
		calls++
		return errors.New("telegram is down")
	}, f.clk, logx.Nop())

	for attempt := 1; attempt <= domain.MaxDispatchAttempts; attempt++ {
		if err := d.DispatchDue(context.Background()); err != nil {
			t.Fatalf("DispatchDue #%d: %v", attempt, err)
		}
		if calls != attempt {
			t.Fatalf("deliver calls = %d after pass %d, want %d", calls, attempt, attempt)
		}
		if attempt < domain.MaxDispatchAttempts {
			due := f.due(t)
			if len(due) != 1 {
				t.Fatalf("entry disappeared after attempt %d", attempt)
			}
			if due[0].Entry.Attempts != attempt {
				t.Fatalf("attempts = %d after pass %d, want %d", due[0].Entry.Attempts, attempt, attempt)
			}
			if due[0].Entry.Status != domain.OutboxPending {
				t.Fatalf("status = %v, want pending", due[0].Entry.Status)
			}
		}
	}

	// Exhausted: stays pending but never selected again.
	if got := f.due(t); len(got) != 0 {
		t.Fatalf("exhausted entry still due: %+v", got)
	}
	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue (after exhaustion): %v", err)
	}
	if calls != domain.MaxDispatchAttempts {
		t.Fatalf("deliver calls = %d, want %d", calls, domain.MaxDispatchAttempts)
	}
}

func TestDispatchNotBeforeWindowEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clk.Set(time.Date(2026, 8, 31, 10, 45, 0, 0, time.UTC))

	var calls int
	d := New(f.store, func(context.Context, int64, int64, domain.Candidate) error {
		calls++
		return nil
	}, f.clk, logx.Nop())

	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if calls != 0 {
		t.Fatalf("delivery before the window elapsed, calls = %d", calls)
	}
}

func TestDispatchFailureThenSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	fail := true
	var calls int
	d := New(f.store, func(context.Context, int64, int64, domain.Candidate) error {
		calls++
		if fail {
			return errors.New("flaky network")
		}
		return nil
	}, f.clk, logx.Nop())

	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	fail = false
	if err := d.DispatchDue(context.Background()); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if calls != 2 {
		t.Fatalf("deliver calls = %d, want 2", calls)
	}
	if got := f.due(t); len(got) != 0 {
		t.Fatalf("entry still due after success")
	}
}

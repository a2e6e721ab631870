package candidates

import (
	"context"
	"errors"
	"testing"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/storage"
)

var collectTime = time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

func newPoolFixture(t *testing.T) (*Pool, storage.Store, *clock.Fake, int64) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFake(collectTime)

	if err := store.UpsertTemplate(ctx, domain.SlotTemplate{ID: 1, VoteStartAt: 600, VoteEndAt: 660}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	slotID, err := store.CreateSlotInstance(ctx, domain.SlotInstance{
		Date: "2026-08-31", TemplateID: 1,
		SourceChatID: 100, TargetChatID: 200,
		Status: domain.SlotCollecting, CreatedAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return NewPool(store, clk), store, clk, slotID
}

func TestAddAssignsCreatedAt(t *testing.T) {
	t.Parallel()
	pool, store, clk, slotID := newPoolFixture(t)
	ctx := context.Background()

	// A caller-supplied timestamp must be ignored.
	bogus := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 1, AuthorID: 7, SubmitterID: 7, CreatedAt: bogus}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := store.ListCandidates(ctx, slotID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || !got[0].CreatedAt.Equal(clk.Now()) {
		t.Fatalf("CreatedAt = %v, want clock time %v", got[0].CreatedAt, clk.Now())
	}
}

func TestAddDuplicate(t *testing.T) {
	t.Parallel()
	pool, _, _, slotID := newPoolFixture(t)
	ctx := context.Background()

	if _, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 5, AuthorID: 1, SubmitterID: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Same message, different submitter: still the same nomination.
	_, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 5, AuthorID: 1, SubmitterID: 2})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate Add err = %v, want ErrConflict", err)
	}
}

func TestAddCap(t *testing.T) {
	t.Parallel()
	pool, _, clk, slotID := newPoolFixture(t)
	ctx := context.Background()

	for i := 0; i < domain.CandidateCap; i++ {
		clk.Advance(time.Second)
		if _, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 100 + i, AuthorID: 1, SubmitterID: 1}); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	full, err := pool.IsFull(ctx, slotID)
	if err != nil || !full {
		t.Fatalf("IsFull = %v, %v; want true", full, err)
	}
	_, err = pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 999, AuthorID: 1, SubmitterID: 1})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("Add over cap err = %v, want ErrLimitExceeded", err)
	}
}

func TestWithdraw(t *testing.T) {
	t.Parallel()
	pool, _, _, slotID := newPoolFixture(t)
	ctx := context.Background()

	if _, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 10, AuthorID: 7, SubmitterID: 8}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A stranger can't withdraw it.
	if _, err := pool.Withdraw(ctx, slotID, 10, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger withdraw err = %v, want ErrNotFound", err)
	}
	// The submitter can.
	n, err := pool.Withdraw(ctx, slotID, 10, 8)
	if err != nil || n != 1 {
		t.Fatalf("Withdraw = %d, %v; want 1, nil", n, err)
	}
	// Gone now.
	if _, err := pool.Withdraw(ctx, slotID, 10, 8); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second withdraw err = %v, want ErrNotFound", err)
	}
}

func TestWithdrawAfterVotingOpened(t *testing.T) {
	t.Parallel()
	pool, store, clk, slotID := newPoolFixture(t)
	ctx := context.Background()

	if _, err := pool.Add(ctx, slotID, domain.Candidate{ExternalMessageID: 10, AuthorID: 7, SubmitterID: 7}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.CreatePoll(ctx, domain.Poll{
		SlotInstanceID: slotID, Status: domain.PollOpened, ExternalID: 10, OpenedAt: clk.Now(),
	}); err != nil {
		t.Fatalf("create poll: %v", err)
	}

	if _, err := pool.Withdraw(ctx, slotID, 10, 7); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("withdraw after poll err = %v, want ErrNotFound", err)
	}
	// The nomination itself is untouched.
	if n, _ := store.CountCandidates(ctx, slotID); n != 1 {
		t.Fatalf("candidate count = %d, want 1", n)
	}
}

func TestIsBusinessErr(t *testing.T) {
	t.Parallel()
	for _, err := range []error{domain.ErrConflict, domain.ErrLimitExceeded, domain.ErrNotFound} {
		if !IsBusinessErr(err) {
			t.Fatalf("IsBusinessErr(%v) = false", err)
		}
	}
	if IsBusinessErr(errors.New("disk on fire")) {
		t.Fatalf("infrastructure error classified as business outcome")
	}
}

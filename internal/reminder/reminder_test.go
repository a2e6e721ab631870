package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/storage"
	logx "envoybot/pkg/logx"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[int64]int
	total int
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{sent: map[int64]int{}} }

func (n *fakeNotifier) SendMessage(_ context.Context, chatID int64, _ string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[chatID]++
	n.total++
	return n.total, nil
}

// Two chats on the same template (vote start 18:00), mutually related.
func setup(t *testing.T, now time.Time) (*Service, storage.Store, *fakeNotifier, *clock.Fake) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFake(now)
	send := newFakeNotifier()

	if err := store.UpsertTemplate(ctx, domain.SlotTemplate{ID: 1, VoteStartAt: 1080, VoteEndAt: 1140}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	for _, id := range []int64{100, 200} {
		if err := store.UpsertChat(ctx, domain.RegisteredChat{ID: id, TemplateID: 1}); err != nil {
			t.Fatalf("upsert chat: %v", err)
		}
	}
	if err := store.AddRelation(ctx, 100, 200, now); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	if err := store.AddRelation(ctx, 200, 100, now); err != nil {
		t.Fatalf("add relation: %v", err)
	}

	svc := New(store, send, clk, DefaultLookAhead, logx.Nop())
	return svc, store, send, clk
}

func TestRunSeedsWithinLookAhead(t *testing.T) {
	t.Parallel()
	// 15:00, three hours before the 18:00 window.
	svc, store, send, _ := setup(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both directions of the mutual pair get their own instance and reminder.
	for _, pair := range [][2]int64{{100, 200}, {200, 100}} {
		inst, err := store.FindSlotInstance(ctx, "2026-08-31", 1, pair[0], pair[1])
		if err != nil {
			t.Fatalf("instance %d->%d missing: %v", pair[0], pair[1], err)
		}
		if inst.Status != domain.SlotCollecting {
			t.Fatalf("instance %d->%d status = %v, want collecting", pair[0], pair[1], inst.Status)
		}
	}
	if send.sent[100] != 1 || send.sent[200] != 1 {
		t.Fatalf("reminders = %v, want one per chat", send.sent)
	}

	// A second pass is a no-op: the instances already exist.
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run (again): %v", err)
	}
	if send.total != 2 {
		t.Fatalf("reminders after second pass = %d, want 2", send.total)
	}
}

func TestRunOutsideLookAhead(t *testing.T) {
	t.Parallel()
	// 13:30, more than four hours before the window.
	svc, store, send, _ := setup(t, time.Date(2026, 8, 31, 13, 30, 0, 0, time.UTC))
	ctx := context.Background()

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if send.total != 0 {
		t.Fatalf("reminders = %d, want 0", send.total)
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 100, 200); exists {
		t.Fatalf("instance seeded outside the look-ahead")
	}
}

func TestRunAfterWindowTargetsTomorrow(t *testing.T) {
	t.Parallel()
	// 19:00: today's window already started, the nearest vote date is
	// tomorrow, which is way outside the look-ahead.
	svc, store, send, clk := setup(t, time.Date(2026, 8, 31, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if send.total != 0 {
		t.Fatalf("reminders = %d, want 0", send.total)
	}

	// Next day at 14:30 the look-ahead covers tomorrow's window.
	clk.Set(time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC))
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-09-01", 1, 100, 200); !exists {
		t.Fatalf("next-day instance not seeded")
	}
}

func TestRunSkipsChatWithoutTemplate(t *testing.T) {
	t.Parallel()
	svc, store, send, _ := setup(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC))
	ctx := context.Background()
	if err := store.UpsertChat(ctx, domain.RegisteredChat{ID: 100, TemplateID: 0}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 100 has no template so only the 200->100 direction seeds.
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 100, 200); exists {
		t.Fatalf("templateless chat seeded an instance")
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 200, 100); !exists {
		t.Fatalf("partner direction should still seed")
	}
	if send.sent[100] != 0 || send.sent[200] != 1 {
		t.Fatalf("reminders = %v, want only chat 200", send.sent)
	}
}

func TestRunSkipsDeletedChat(t *testing.T) {
	t.Parallel()
	svc, store, send, _ := setup(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC))
	ctx := context.Background()
	if err := store.UpsertChat(ctx, domain.RegisteredChat{ID: 100, TemplateID: 1, Deleted: true}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 100, 200); exists {
		t.Fatalf("deleted chat seeded an instance")
	}
	if send.sent[100] != 0 {
		t.Fatalf("deleted chat got a reminder")
	}
}

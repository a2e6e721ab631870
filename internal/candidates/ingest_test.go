package candidates

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/storage"
	"envoybot/internal/transport"
	logx "envoybot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	acks []string
}

func (s *fakeSender) SendMessage(_ context.Context, _ int64, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, text)
	return len(s.acks), nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

// Chat 100 is mutually related to 200 and 300; template window is 18:00-19:00
// and the fixture clock sits before it, so today is the nomination date.
func newIngestFixture(t *testing.T) (*Ingest, storage.Store, *fakeSender) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFake(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	send := &fakeSender{}

	if err := store.UpsertTemplate(ctx, domain.SlotTemplate{ID: 1, VoteStartAt: 1080, VoteEndAt: 1140}); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	for _, id := range []int64{100, 200, 300} {
		if err := store.UpsertChat(ctx, domain.RegisteredChat{ID: id, TemplateID: 1}); err != nil {
			t.Fatalf("upsert chat: %v", err)
		}
	}
	for _, pair := range [][2]int64{{100, 200}, {200, 100}, {100, 300}, {300, 100}} {
		if err := store.AddRelation(ctx, pair[0], pair[1], clk.Now()); err != nil {
			t.Fatalf("add relation: %v", err)
		}
	}

	in := NewIngest(store, NewPool(store, clk), send, clk, logx.Nop())
	return in, store, send
}

func nominateMsg(chatID int64, text string) *transport.Message {
	return &transport.Message{
		ID: 555, ChatID: chatID, FromID: 10, FromUsername: "poster",
		Text: text,
		ReplyTo: &transport.Message{
			ID: 777, ChatID: chatID, FromID: 20, FromUsername: "author",
			Text: "the nominated text",
		},
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"/nominate", "nominate"},
		{"/NOMINATE", "nominate"},
		{"/nominate@envoybot", "nominate"},
		{"/withdraw extra words", "withdraw"},
		{"  /withdraw  ", "withdraw"},
		{"nominate", ""},
		{"hello", ""},
	}
	for _, tc := range cases {
		if got := command(tc.in); got != tc.want {
			t.Fatalf("command(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	m := &transport.Message{FromUsername: "bob", Text: "line one\nline two"}
	if got := preview(m); got != "(bob): line one line two" {
		t.Fatalf("preview = %q", got)
	}

	m = &transport.Message{Text: strings.Repeat("a", 200)}
	got := preview(m)
	if !strings.HasPrefix(got, "(anonymous): ") {
		t.Fatalf("preview without username = %q", got)
	}
	if n := len([]rune(got)); n > len("(anonymous): ")+previewLimit {
		t.Fatalf("preview too long: %d runes", n)
	}
}

func TestNominateCreatesSlotPerPartner(t *testing.T) {
	t.Parallel()
	in, store, send := newIngestFixture(t)
	ctx := context.Background()

	in.handle(ctx, nominateMsg(100, "/nominate"))

	for _, partner := range []int64{200, 300} {
		inst, err := store.FindSlotInstance(ctx, "2026-08-31", 1, 100, partner)
		if err != nil {
			t.Fatalf("instance 100->%d missing: %v", partner, err)
		}
		cand, err := store.CandidateByExternalID(ctx, inst.ID, 777)
		if err != nil {
			t.Fatalf("candidate missing in 100->%d: %v", partner, err)
		}
		if cand.AuthorID != 20 || cand.SubmitterID != 10 {
			t.Fatalf("candidate identities = author %d submitter %d", cand.AuthorID, cand.SubmitterID)
		}
		if !strings.Contains(cand.Preview, "author") {
			t.Fatalf("preview %q does not name the author", cand.Preview)
		}
	}
	if send.count() != 1 {
		t.Fatalf("acks = %d, want 1", send.count())
	}
}

func TestNominateDuplicate(t *testing.T) {
	t.Parallel()
	in, _, send := newIngestFixture(t)
	ctx := context.Background()

	in.handle(ctx, nominateMsg(100, "/nominate"))
	in.handle(ctx, nominateMsg(100, "/nominate"))

	if send.count() != 2 {
		t.Fatalf("acks = %d, want 2", send.count())
	}
	if !strings.Contains(send.acks[1], "already nominated") {
		t.Fatalf("second ack = %q, want duplicate notice", send.acks[1])
	}
}

func TestNominateWithoutReply(t *testing.T) {
	t.Parallel()
	in, store, send := newIngestFixture(t)
	ctx := context.Background()

	m := nominateMsg(100, "/nominate")
	m.ReplyTo = nil
	in.handle(ctx, m)

	if send.count() != 1 || !strings.Contains(send.acks[0], "Reply") {
		t.Fatalf("expected a usage hint, got %v", send.acks)
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 100, 200); exists {
		t.Fatalf("nomination without reply created a slot")
	}
}

func TestNominateUnregisteredChatIgnored(t *testing.T) {
	t.Parallel()
	in, _, send := newIngestFixture(t)
	in.handle(context.Background(), nominateMsg(999, "/nominate"))
	if send.count() != 0 {
		t.Fatalf("unregistered chat got a reply")
	}
}

func TestNonCommandIgnored(t *testing.T) {
	t.Parallel()
	in, store, send := newIngestFixture(t)
	ctx := context.Background()

	in.handle(ctx, nominateMsg(100, "just chatting"))
	if send.count() != 0 {
		t.Fatalf("plain message triggered a reply")
	}
	if exists, _ := store.SlotInstanceExists(ctx, "2026-08-31", 1, 100, 200); exists {
		t.Fatalf("plain message created a slot")
	}
}

func TestWithdrawViaCommand(t *testing.T) {
	t.Parallel()
	in, store, send := newIngestFixture(t)
	ctx := context.Background()

	in.handle(ctx, nominateMsg(100, "/nominate"))
	in.handle(ctx, nominateMsg(100, "/withdraw"))

	if send.count() != 2 || !strings.Contains(send.acks[1], "withdrawn") {
		t.Fatalf("acks = %v", send.acks)
	}
	for _, partner := range []int64{200, 300} {
		inst, err := store.FindSlotInstance(ctx, "2026-08-31", 1, 100, partner)
		if err != nil {
			t.Fatalf("instance lookup: %v", err)
		}
		if n, _ := store.CountCandidates(ctx, inst.ID); n != 0 {
			t.Fatalf("candidate still present in 100->%d", partner)
		}
	}
}

func TestWithdrawNothing(t *testing.T) {
	t.Parallel()
	in, _, send := newIngestFixture(t)

	in.handle(context.Background(), nominateMsg(100, "/withdraw"))
	if send.count() != 1 || !strings.Contains(send.acks[0], "Nothing") {
		t.Fatalf("acks = %v", send.acks)
	}
}

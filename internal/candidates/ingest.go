package candidates

import (
	"context"
	"errors"
	"strings"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/transport"
	logx "envoybot/pkg/logx"
)

const previewLimit = 64

// IngestStore is the persistence slice the nomination ingest needs on top of
// the pool.
type IngestStore interface {
	GetChat(ctx context.Context, id int64) (domain.RegisteredChat, error)
	GetTemplate(ctx context.Context, id int64) (domain.SlotTemplate, error)
	ListMutualPairs(ctx context.Context) ([]domain.Relation, error)
	FindSlotInstance(ctx context.Context, date string, templateID, source, target int64) (domain.SlotInstance, error)
	CreateSlotInstance(ctx context.Context, s domain.SlotInstance) (int64, error)
}

// Notifier is the outbound slice used for command acknowledgements.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
}

// Ingest turns reply-based /nominate and /withdraw commands into pool calls.
// It is the only inbound command surface of the bot; everything else is
// maintained out-of-band.
type Ingest struct {
	store IngestStore
	pool  *Pool
	send  Notifier
	clock clock.Clock
	log   logx.Logger
}

func NewIngest(store IngestStore, pool *Pool, send Notifier, clk clock.Clock, log logx.Logger) *Ingest {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingest{store: store, pool: pool, send: send, clock: clk, log: log}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (in *Ingest) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message != nil {
				in.handle(ctx, up.Message)
			}
		}
	}
}

func (in *Ingest) handle(ctx context.Context, m *transport.Message) {
	cmd := command(m.Text)
	switch cmd {
	case "nominate", "withdraw":
	default:
		return
	}
	if m.ReplyTo == nil {
		in.reply(ctx, m.ChatID, "Reply to the message you want to "+cmd+".")
		return
	}

	chat, tpl, ok := in.resolveChat(ctx, m.ChatID)
	if !ok {
		return
	}
	partners, err := in.partners(ctx, chat.ID)
	if err != nil {
		in.log.Warn("list partners failed", logx.Int64("chat_id", chat.ID), logx.Err(err))
		return
	}
	if len(partners) == 0 {
		in.reply(ctx, m.ChatID, "This chat has no mutual partner yet.")
		return
	}

	date := domain.DateOf(domain.NearestVoteDate(in.clock.Now(), tpl.VoteStartAt))
	switch cmd {
	case "nominate":
		in.nominate(ctx, m, chat, tpl, partners, date)
	case "withdraw":
		in.withdraw(ctx, m, chat, tpl, partners, date)
	}
}

func (in *Ingest) resolveChat(ctx context.Context, chatID int64) (domain.RegisteredChat, domain.SlotTemplate, bool) {
	chat, err := in.store.GetChat(ctx, chatID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			in.log.Warn("get chat failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
		return domain.RegisteredChat{}, domain.SlotTemplate{}, false
	}
	if chat.Deleted || chat.TemplateID == 0 {
		return domain.RegisteredChat{}, domain.SlotTemplate{}, false
	}
	tpl, err := in.store.GetTemplate(ctx, chat.TemplateID)
	if err != nil {
		in.log.Warn("get template failed",
			logx.Int64("chat_id", chatID), logx.Int64("template_id", chat.TemplateID), logx.Err(err))
		return domain.RegisteredChat{}, domain.SlotTemplate{}, false
	}
	return chat, tpl, true
}

func (in *Ingest) partners(ctx context.Context, chatID int64) ([]int64, error) {
	pairs, err := in.store.ListMutualPairs(ctx)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, p := range pairs {
		if p.SourceChatID == chatID {
			out = append(out, p.TargetChatID)
		}
	}
	return out, nil
}

func (in *Ingest) nominate(ctx context.Context, m *transport.Message, chat domain.RegisteredChat, tpl domain.SlotTemplate, partners []int64, date string) {
	cand := domain.Candidate{
		ExternalMessageID: m.ReplyTo.ID,
		Preview:           preview(m.ReplyTo),
		AuthorID:          m.ReplyTo.FromID,
		SubmitterID:       m.FromID,
	}

	var added, dup, full int
	for _, partner := range partners {
		slotID, err := in.ensureSlot(ctx, date, tpl.ID, chat.ID, partner)
		if err != nil {
			in.log.Warn("ensure slot failed",
				logx.Int64("source", chat.ID), logx.Int64("target", partner), logx.Err(err))
			continue
		}
		_, err = in.pool.Add(ctx, slotID, cand)
		switch {
		case err == nil:
			added++
		case errors.Is(err, domain.ErrConflict):
			dup++
		case errors.Is(err, domain.ErrLimitExceeded):
			full++
		default:
			in.log.Warn("nominate failed", logx.Int64("slot_id", slotID), logx.Err(err))
		}
	}

	switch {
	case added > 0:
		in.reply(ctx, m.ChatID, "Nominated for today's exchange.")
	case dup > 0:
		in.reply(ctx, m.ChatID, "That message is already nominated.")
	case full > 0:
		in.reply(ctx, m.ChatID, "The candidate list is full.")
	}
}

func (in *Ingest) withdraw(ctx context.Context, m *transport.Message, chat domain.RegisteredChat, tpl domain.SlotTemplate, partners []int64, date string) {
	var removed int64
	for _, partner := range partners {
		inst, err := in.store.FindSlotInstance(ctx, date, tpl.ID, chat.ID, partner)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				in.log.Warn("find slot failed",
					logx.Int64("source", chat.ID), logx.Int64("target", partner), logx.Err(err))
			}
			continue
		}
		n, err := in.pool.Withdraw(ctx, inst.ID, m.ReplyTo.ID, m.FromID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			in.log.Warn("withdraw failed", logx.Int64("slot_id", inst.ID), logx.Err(err))
			continue
		}
		removed += n
	}
	if removed > 0 {
		in.reply(ctx, m.ChatID, "Nomination withdrawn.")
	} else {
		in.reply(ctx, m.ChatID, "Nothing to withdraw.")
	}
}

func (in *Ingest) ensureSlot(ctx context.Context, date string, templateID, source, target int64) (int64, error) {
	inst, err := in.store.FindSlotInstance(ctx, date, templateID, source, target)
	if err == nil {
		return inst.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}
	id, err := in.store.CreateSlotInstance(ctx, domain.SlotInstance{
		Date:         date,
		TemplateID:   templateID,
		SourceChatID: source,
		TargetChatID: target,
		Status:       domain.SlotCollecting,
		CreatedAt:    in.clock.Now(),
	})
	if errors.Is(err, domain.ErrConflict) {
		// lost a race with the reminder seeder; re-read
		inst, err = in.store.FindSlotInstance(ctx, date, templateID, source, target)
		if err != nil {
			return 0, err
		}
		return inst.ID, nil
	}
	return id, err
}

func (in *Ingest) reply(ctx context.Context, chatID int64, text string) {
	if _, err := in.send.SendMessage(ctx, chatID, text); err != nil {
		in.log.Warn("ack send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// command extracts a leading "/cmd" (with optional @botname suffix), or "".
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func preview(m *transport.Message) string {
	text := strings.TrimSpace(m.Text)
	text = strings.ReplaceAll(text, "\n", " ")
	rs := []rune(text)
	if len(rs) > previewLimit {
		text = string(rs[:previewLimit-1]) + "…"
	}
	who := m.FromUsername
	if who == "" {
		who = "anonymous"
	}
	return "(" + who + "): " + text
}

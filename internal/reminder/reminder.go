// Package reminder seeds new slot instances and notifies chats as a vote
// window approaches.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	logx "envoybot/pkg/logx"
)

// DefaultLookAhead is how far before the vote start a reminder fires.
const DefaultLookAhead = 4 * time.Hour

// Store is the slice of persistence the scheduler needs.
type Store interface {
	ListMutualPairs(ctx context.Context) ([]domain.Relation, error)
	GetChat(ctx context.Context, id int64) (domain.RegisteredChat, error)
	GetTemplate(ctx context.Context, id int64) (domain.SlotTemplate, error)
	SlotInstanceExists(ctx context.Context, date string, templateID, source, target int64) (bool, error)
	CreateSlotInstance(ctx context.Context, s domain.SlotInstance) (int64, error)
}

// Notifier is the outbound slice used for reminders.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
}

type Service struct {
	store     Store
	send      Notifier
	clock     clock.Clock
	lookAhead time.Duration
	log       logx.Logger
}

func New(store Store, send Notifier, clk clock.Clock, lookAhead time.Duration, log logx.Logger) *Service {
	if lookAhead <= 0 {
		lookAhead = DefaultLookAhead
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, send: send, clock: clk, lookAhead: lookAhead, log: log}
}

// Run seeds a collecting slot instance for every mutual pair whose next vote
// start falls within the look-ahead window and which has no instance for that
// date yet. The existence check makes the whole pass idempotent per tick: a
// pair is reminded once per slot, whatever the tick rate.
func (s *Service) Run(ctx context.Context) error {
	pairs, err := s.store.ListMutualPairs(ctx)
	if err != nil {
		return fmt.Errorf("list mutual pairs: %w", err)
	}
	for _, pair := range pairs {
		if err := s.seedOne(ctx, pair.SourceChatID, pair.TargetChatID); err != nil {
			s.log.Warn("seed slot failed",
				logx.Int64("source", pair.SourceChatID),
				logx.Int64("target", pair.TargetChatID),
				logx.Err(err))
		}
	}
	return nil
}

func (s *Service) seedOne(ctx context.Context, source, target int64) error {
	chat, err := s.store.GetChat(ctx, source)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get chat: %w", err)
	}
	// No template, no exchange.
	if chat.Deleted || chat.TemplateID == 0 {
		return nil
	}
	tpl, err := s.store.GetTemplate(ctx, chat.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get template: %w", err)
	}

	now := s.clock.Now()
	voteDay := domain.NearestVoteDate(now, tpl.VoteStartAt)
	date := domain.DateOf(voteDay)

	exists, err := s.store.SlotInstanceExists(ctx, date, tpl.ID, source, target)
	if err != nil {
		return fmt.Errorf("slot exists: %w", err)
	}
	if exists {
		return nil
	}

	startAt := tpl.VoteStartAt.On(voteDay)
	if startAt.Sub(now) > s.lookAhead {
		return nil
	}

	text := fmt.Sprintf(
		"The exchange vote starts at %s. Reply to a message with /nominate to put it forward.",
		tpl.VoteStartAt,
	)
	if _, err := s.send.SendMessage(ctx, source, text); err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}

	_, err = s.store.CreateSlotInstance(ctx, domain.SlotInstance{
		Date:         date,
		TemplateID:   tpl.ID,
		SourceChatID: source,
		TargetChatID: target,
		Status:       domain.SlotCollecting,
		CreatedAt:    now,
	})
	if errors.Is(err, domain.ErrConflict) {
		// Someone nominated between our existence check and the insert.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create slot: %w", err)
	}
	s.log.Info("slot seeded",
		logx.Int64("source", source), logx.Int64("target", target), logx.String("date", date))
	return nil
}

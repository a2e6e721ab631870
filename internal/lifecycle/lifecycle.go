// Package lifecycle drives a slot instance through its states: collecting,
// voting, archived. It opens due decision processes, closes expired ones and
// resolves winners into the outbox.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/relations"
	"envoybot/internal/storage"
	logx "envoybot/pkg/logx"
)

// Store is the slice of persistence the lifecycle needs.
type Store interface {
	ListOpenableSlots(ctx context.Context, date string, minute int) ([]storage.OpenableSlot, error)
	ListCandidates(ctx context.Context, slotID int64, limit int) ([]domain.Candidate, error)
	CountCandidates(ctx context.Context, slotID int64) (int, error)
	SetSlotStatus(ctx context.Context, id int64, st domain.SlotStatus) error
	DeleteSlotInstance(ctx context.Context, id int64) error
	CreatePoll(ctx context.Context, p domain.Poll) (int64, error)
	ListExpiredPolls(ctx context.Context, date string, minute int) ([]storage.ExpiredPoll, error)
	ClosePoll(ctx context.Context, pollID int64, at time.Time) error
	DeletePoll(ctx context.Context, pollID int64) error
	CandidateByExternalID(ctx context.Context, slotID int64, externalMessageID int) (domain.Candidate, error)
	CreateOutboxEntry(ctx context.Context, e domain.OutboxEntry) (int64, error)
}

// Gateway is the outbound messaging slice the lifecycle needs.
type Gateway interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	SendPoll(ctx context.Context, chatID int64, question string, options []string) (int, error)
	StopPoll(ctx context.Context, chatID int64, pollMessageID int) (string, error)
}

type Service struct {
	store Store
	gate  *relations.Gate
	gw    Gateway
	clock clock.Clock
	log   logx.Logger
}

func New(store Store, gate *relations.Gate, gw Gateway, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, gate: gate, gw: gw, clock: clk, log: log}
}

// OpenPending opens a decision process for every collecting instance whose
// vote window is open right now and which has no poll yet. A failure on one
// instance never blocks the rest of the batch.
func (s *Service) OpenPending(ctx context.Context) error {
	now := s.clock.Now()
	slots, err := s.store.ListOpenableSlots(ctx, domain.DateOf(now), domain.MinuteOf(now))
	if err != nil {
		return fmt.Errorf("list openable slots: %w", err)
	}
	for _, o := range slots {
		if err := s.openOne(ctx, o); err != nil {
			s.log.Warn("open slot failed",
				logx.Int64("slot_id", o.Slot.ID),
				logx.Int64("source", o.Slot.SourceChatID),
				logx.Int64("target", o.Slot.TargetChatID),
				logx.Err(err))
		}
	}
	return nil
}

func (s *Service) openOne(ctx context.Context, o storage.OpenableSlot) error {
	slot := o.Slot

	mutual, err := s.gate.IsMutual(ctx, slot.SourceChatID, slot.TargetChatID)
	if err != nil {
		return fmt.Errorf("relation check: %w", err)
	}
	if !mutual {
		// The pair fell apart during collection; the instance is void.
		if err := s.store.SetSlotStatus(ctx, slot.ID, domain.SlotArchived); err != nil {
			return err
		}
		if err := s.store.DeleteSlotInstance(ctx, slot.ID); err != nil {
			return err
		}
		s.log.Info("slot removed, relation no longer mutual", logx.Int64("slot_id", slot.ID))
		return nil
	}

	cands, err := s.store.ListCandidates(ctx, slot.ID, domain.CandidateCap)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}

	switch len(cands) {
	case 0:
		if err := s.store.DeleteSlotInstance(ctx, slot.ID); err != nil {
			return err
		}
		s.log.Info("slot removed, nothing nominated", logx.Int64("slot_id", slot.ID))
		return nil

	case 1:
		return s.openAuto(ctx, slot, o.Template, cands[0])

	default:
		return s.openVote(ctx, slot, cands)
	}
}

// openAuto records a single-candidate decision. No external poll is created;
// the poll row is purely a decision record whose external id is the
// candidate's own message id.
func (s *Service) openAuto(ctx context.Context, slot domain.SlotInstance, tpl domain.SlotTemplate, cand domain.Candidate) error {
	now := s.clock.Now()
	remaining := tpl.VoteEndAt.On(now).Sub(now).Round(time.Minute)
	text := fmt.Sprintf(
		"Only one nomination today, it will be sent automatically in %s:\n%s",
		remaining, cand.Preview,
	)
	if _, err := s.gw.SendMessage(ctx, slot.SourceChatID, text); err != nil {
		return fmt.Errorf("auto-select notice: %w", err)
	}
	if _, err := s.store.CreatePoll(ctx, domain.Poll{
		SlotInstanceID: slot.ID,
		Status:         domain.PollOpened,
		ExternalID:     cand.ExternalMessageID,
		OpenedAt:       now,
	}); err != nil {
		return fmt.Errorf("create poll record: %w", err)
	}
	if err := s.store.SetSlotStatus(ctx, slot.ID, domain.SlotVoting); err != nil {
		return err
	}
	s.log.Info("slot auto-selected",
		logx.Int64("slot_id", slot.ID), logx.Int("message_id", cand.ExternalMessageID))
	return nil
}

func (s *Service) openVote(ctx context.Context, slot domain.SlotInstance, cands []domain.Candidate) error {
	options := make([]string, 0, len(cands))
	for _, c := range cands {
		options = append(options, OptionText(c))
	}
	pollMsgID, err := s.gw.SendPoll(ctx, slot.SourceChatID,
		"Which message should we send to our partner chat today?", options)
	if err != nil {
		return fmt.Errorf("send poll: %w", err)
	}
	if _, err := s.store.CreatePoll(ctx, domain.Poll{
		SlotInstanceID: slot.ID,
		Status:         domain.PollOpened,
		ExternalID:     pollMsgID,
		OpenedAt:       s.clock.Now(),
	}); err != nil {
		return fmt.Errorf("create poll record: %w", err)
	}
	if err := s.store.SetSlotStatus(ctx, slot.ID, domain.SlotVoting); err != nil {
		return err
	}
	s.log.Info("vote opened",
		logx.Int64("slot_id", slot.ID), logx.Int("options", len(options)), logx.Int("poll_msg_id", pollMsgID))
	return nil
}

// CloseExpired closes every opened poll whose vote window has fully elapsed
// and resolves the winner into the outbox. One malformed poll never halts the
// batch.
func (s *Service) CloseExpired(ctx context.Context) error {
	now := s.clock.Now()
	polls, err := s.store.ListExpiredPolls(ctx, domain.DateOf(now), domain.MinuteOf(now))
	if err != nil {
		return fmt.Errorf("list expired polls: %w", err)
	}
	for _, e := range polls {
		if err := s.closeOne(ctx, e); err != nil {
			s.log.Warn("close poll failed",
				logx.Int64("poll_id", e.Poll.ID),
				logx.Int64("slot_id", e.Slot.ID),
				logx.Err(err))
		}
	}
	return nil
}

func (s *Service) closeOne(ctx context.Context, e storage.ExpiredPoll) error {
	now := s.clock.Now()

	// Close and archive unconditionally, whatever happens to the winner.
	if err := s.store.ClosePoll(ctx, e.Poll.ID, now); err != nil {
		return fmt.Errorf("close poll: %w", err)
	}
	if err := s.store.SetSlotStatus(ctx, e.Slot.ID, domain.SlotArchived); err != nil {
		return fmt.Errorf("archive slot: %w", err)
	}

	mutual, err := s.gate.IsMutual(ctx, e.Slot.SourceChatID, e.Slot.TargetChatID)
	if err != nil {
		return fmt.Errorf("relation check: %w", err)
	}
	if !mutual {
		if err := s.store.DeletePoll(ctx, e.Poll.ID); err != nil {
			return err
		}
		if err := s.store.DeleteSlotInstance(ctx, e.Slot.ID); err != nil {
			return err
		}
		s.log.Info("vote discarded, relation no longer mutual", logx.Int64("slot_id", e.Slot.ID))
		return nil
	}

	n, err := s.store.CountCandidates(ctx, e.Slot.ID)
	if err != nil {
		return fmt.Errorf("count candidates: %w", err)
	}

	var winner domain.Candidate
	switch {
	case n > 1:
		raw, err := s.gw.StopPoll(ctx, e.Slot.SourceChatID, e.Poll.ExternalID)
		if err != nil {
			return fmt.Errorf("stop poll: %w", err)
		}
		winID, err := ParseWinnerID(raw)
		if err != nil {
			// Malformed winner text: skip this cycle, no delivery.
			s.log.Warn("winner text unparseable",
				logx.Int64("poll_id", e.Poll.ID), logx.String("raw", raw), logx.Err(err))
			return nil
		}
		winner, err = s.store.CandidateByExternalID(ctx, e.Slot.ID, winID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.log.Warn("winning candidate not found",
					logx.Int64("slot_id", e.Slot.ID), logx.Int("message_id", winID))
				return nil
			}
			return err
		}

	case n == 1:
		// The auto-selected candidate was recorded at open time; no
		// gateway call is needed.
		winner, err = s.store.CandidateByExternalID(ctx, e.Slot.ID, e.Poll.ExternalID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.log.Warn("auto-selected candidate missing", logx.Int64("slot_id", e.Slot.ID))
				return nil
			}
			return err
		}

	default:
		s.log.Warn("no candidates left at close", logx.Int64("slot_id", e.Slot.ID))
		return nil
	}

	if _, err := s.store.CreateOutboxEntry(ctx, domain.OutboxEntry{
		SlotInstanceID: e.Slot.ID,
		CandidateID:    winner.ID,
		Status:         domain.OutboxPending,
		Attempts:       0,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("create outbox entry: %w", err)
	}
	s.log.Info("winner resolved",
		logx.Int64("slot_id", e.Slot.ID), logx.Int64("candidate_id", winner.ID))
	return nil
}

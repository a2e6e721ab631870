// Package outbox delivers resolved winners with bounded retry.
package outbox

import (
	"context"
	"fmt"
	"time"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
	"envoybot/internal/storage"
	logx "envoybot/pkg/logx"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	ListDueOutbox(ctx context.Context, date string, minute int) ([]storage.DueDelivery, error)
	RecordDispatchFailure(ctx context.Context, id int64) error
	RecordDispatchSuccess(ctx context.Context, id int64, at time.Time) error
}

// DeliverFunc performs the actual cross-chat delivery of a winning candidate.
type DeliverFunc func(ctx context.Context, sourceChatID, targetChatID int64, cand domain.Candidate) error

type Dispatcher struct {
	store   Store
	deliver DeliverFunc
	clock   clock.Clock
	log     logx.Logger
}

func New(store Store, deliver DeliverFunc, clk clock.Clock, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, deliver: deliver, clock: clk, log: log}
}

// DispatchDue delivers every pending entry whose vote window has fully
// elapsed and which has attempts left. Attempts go up by exactly one per
// delivery attempt whatever the outcome, and each entry's update commits
// independently, so a mid-batch crash loses progress on at most one entry.
// Entries that exhaust their attempts stay pending and are simply never
// selected again.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	now := d.clock.Now()
	due, err := d.store.ListDueOutbox(ctx, domain.DateOf(now), domain.MinuteOf(now))
	if err != nil {
		return fmt.Errorf("list due outbox: %w", err)
	}
	for _, item := range due {
		d.dispatchOne(ctx, item)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item storage.DueDelivery) {
	err := d.deliver(ctx, item.Slot.SourceChatID, item.Slot.TargetChatID, item.Candidate)
	if err != nil {
		attempt := item.Entry.Attempts + 1
		d.log.Warn("delivery failed",
			logx.Int64("outbox_id", item.Entry.ID),
			logx.Int64("slot_id", item.Slot.ID),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt >= domain.MaxDispatchAttempts {
			d.log.Debug("delivery attempts exhausted, entry parked",
				logx.Int64("outbox_id", item.Entry.ID))
		}
		if serr := d.store.RecordDispatchFailure(ctx, item.Entry.ID); serr != nil {
			d.log.Error("record dispatch failure",
				logx.Int64("outbox_id", item.Entry.ID), logx.Err(serr))
		}
		return
	}

	if serr := d.store.RecordDispatchSuccess(ctx, item.Entry.ID, d.clock.Now()); serr != nil {
		d.log.Error("record dispatch success",
			logx.Int64("outbox_id", item.Entry.ID), logx.Err(serr))
		return
	}
	d.log.Info("winner delivered",
		logx.Int64("outbox_id", item.Entry.ID),
		logx.Int64("source", item.Slot.SourceChatID),
		logx.Int64("target", item.Slot.TargetChatID))
}

// Package candidates accumulates and withdraws nominated messages for slot
// instances, enforcing the per-instance cap.
package candidates

import (
	"context"
	"errors"
	"fmt"

	"envoybot/internal/clock"
	"envoybot/internal/domain"
)

// Store is the slice of persistence the pool needs.
type Store interface {
	CountCandidates(ctx context.Context, slotID int64) (int, error)
	AddCandidate(ctx context.Context, c domain.Candidate) (int64, error)
	WithdrawCandidate(ctx context.Context, slotID int64, externalMessageID int, requesterID int64) (int64, error)
}

type Pool struct {
	store Store
	clock clock.Clock
}

func NewPool(store Store, clk clock.Clock) *Pool {
	return &Pool{store: store, clock: clk}
}

// Add nominates a message into a slot instance. CreatedAt is always assigned
// here, never taken from the caller. Returns domain.ErrLimitExceeded at the
// cap and domain.ErrConflict for a duplicate nomination.
func (p *Pool) Add(ctx context.Context, slotID int64, c domain.Candidate) (int64, error) {
	n, err := p.store.CountCandidates(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("count candidates: %w", err)
	}
	if n >= domain.CandidateCap {
		return 0, domain.ErrLimitExceeded
	}
	c.SlotInstanceID = slotID
	c.CreatedAt = p.clock.Now()
	return p.store.AddCandidate(ctx, c)
}

// Withdraw removes the requester's nomination while the instance is still
// collecting and no decision exists yet. Withdrawal after voting has opened is
// never permitted; those rows simply don't match and the call reports
// domain.ErrNotFound.
func (p *Pool) Withdraw(ctx context.Context, slotID int64, externalMessageID int, requesterID int64) (int64, error) {
	n, err := p.store.WithdrawCandidate(ctx, slotID, externalMessageID, requesterID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, domain.ErrNotFound
	}
	return n, nil
}

// IsFull is a convenience wrapper for callers that want to pre-check the cap.
func (p *Pool) IsFull(ctx context.Context, slotID int64) (bool, error) {
	n, err := p.store.CountCandidates(ctx, slotID)
	if err != nil {
		return false, err
	}
	return n >= domain.CandidateCap, nil
}

// IsBusinessErr reports whether err is one of the pool's expected outcomes
// rather than an infrastructure failure.
func IsBusinessErr(err error) bool {
	return errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrLimitExceeded) ||
		errors.Is(err, domain.ErrNotFound)
}

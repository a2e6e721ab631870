package storage

import (
	"context"
	"time"

	"envoybot/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, useful for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OpenableSlot is a collecting instance whose vote window is open right now
// and which has no poll yet.
type OpenableSlot struct {
	Slot     domain.SlotInstance
	Template domain.SlotTemplate
}

// ExpiredPoll is an opened poll whose instance's vote window has fully
// elapsed.
type ExpiredPoll struct {
	Poll     domain.Poll
	Slot     domain.SlotInstance
	Template domain.SlotTemplate
}

// DueDelivery is a pending outbox entry eligible for dispatch.
type DueDelivery struct {
	Entry     domain.OutboxEntry
	Slot      domain.SlotInstance
	Candidate domain.Candidate
}

// Store is the persistence API used by the exchange pipeline.
//
// All "now"-scoped queries take an ISO date plus a minute-of-day so callers
// stay in charge of the clock. Writes are individually committed; there is no
// cross-call transaction (single active scheduler assumed).
type Store interface {
	// Registered chats and vote-window templates (read-mostly boundary data).
	UpsertChat(ctx context.Context, c domain.RegisteredChat) error
	GetChat(ctx context.Context, id int64) (domain.RegisteredChat, error)
	UpsertTemplate(ctx context.Context, t domain.SlotTemplate) error
	GetTemplate(ctx context.Context, id int64) (domain.SlotTemplate, error)

	// Directed relations.
	AddRelation(ctx context.Context, source, target int64, at time.Time) error
	RemoveRelation(ctx context.Context, source, target int64) error
	HasRelation(ctx context.Context, source, target int64) (bool, error)
	// ListMutualPairs returns every directed relation whose reverse also
	// exists, so a mutual pair appears twice (once per direction).
	ListMutualPairs(ctx context.Context) ([]domain.Relation, error)

	// Slot instances.
	CreateSlotInstance(ctx context.Context, s domain.SlotInstance) (int64, error)
	SlotInstanceExists(ctx context.Context, date string, templateID, source, target int64) (bool, error)
	FindSlotInstance(ctx context.Context, date string, templateID, source, target int64) (domain.SlotInstance, error)
	SetSlotStatus(ctx context.Context, id int64, st domain.SlotStatus) error
	// DeleteSlotInstance cascades to candidates, poll and outbox entry.
	DeleteSlotInstance(ctx context.Context, id int64) error
	ListOpenableSlots(ctx context.Context, date string, minute int) ([]OpenableSlot, error)

	// Candidates.
	AddCandidate(ctx context.Context, c domain.Candidate) (int64, error)
	CountCandidates(ctx context.Context, slotID int64) (int, error)
	// ListCandidates returns candidates in creation order, capped at limit
	// (limit <= 0 means all).
	ListCandidates(ctx context.Context, slotID int64, limit int) ([]domain.Candidate, error)
	// WithdrawCandidate removes rows matching (slot, external message id)
	// where requester is the author or submitter, the instance is still
	// collecting and no poll or outbox entry exists. Returns rows removed.
	WithdrawCandidate(ctx context.Context, slotID int64, externalMessageID int, requesterID int64) (int64, error)
	CandidateByExternalID(ctx context.Context, slotID int64, externalMessageID int) (domain.Candidate, error)

	// Polls.
	CreatePoll(ctx context.Context, p domain.Poll) (int64, error)
	ClosePoll(ctx context.Context, pollID int64, at time.Time) error
	DeletePoll(ctx context.Context, pollID int64) error
	ListExpiredPolls(ctx context.Context, date string, minute int) ([]ExpiredPoll, error)

	// Outbox.
	CreateOutboxEntry(ctx context.Context, e domain.OutboxEntry) (int64, error)
	ListDueOutbox(ctx context.Context, date string, minute int) ([]DueDelivery, error)
	// RecordDispatchFailure bumps attempts and leaves the entry pending.
	RecordDispatchFailure(ctx context.Context, id int64) error
	// RecordDispatchSuccess bumps attempts and marks the entry sent.
	RecordDispatchSuccess(ctx context.Context, id int64, at time.Time) error

	Close() error
}

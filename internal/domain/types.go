package domain

import "time"

// RegisteredChat is a community chat known to the bot.
//
// Registration is maintained out-of-band; the exchange core only reads it.
// TemplateID == 0 means no vote window has been assigned yet, which keeps the
// chat out of the exchange entirely.
type RegisteredChat struct {
	ID         int64
	Title      string
	Deleted    bool
	TemplateID int64
}

// SlotTemplate is a reusable daily vote window.
type SlotTemplate struct {
	ID          int64
	Seq         int
	VoteStartAt DayTime
	VoteEndAt   DayTime
}

// Relation is a directed edge between two registered chats.
//
// "Mutual" is derived (both directions present), never stored, so the
// asymmetric request-sent/request-accepted phase stays representable.
type Relation struct {
	SourceChatID int64
	TargetChatID int64
	CreatedAt    time.Time
}

type SlotStatus string

const (
	SlotCollecting SlotStatus = "collecting"
	SlotVoting     SlotStatus = "voting"
	SlotArchived   SlotStatus = "archived"
)

// SlotInstance is one scheduled exchange opportunity for a directed pair.
// Unique on (Date, TemplateID, SourceChatID, TargetChatID).
type SlotInstance struct {
	ID           int64
	Date         string // ISO date, YYYY-MM-DD
	TemplateID   int64
	SourceChatID int64
	TargetChatID int64
	Status       SlotStatus
	CreatedAt    time.Time
}

// CandidateCap bounds nominations per slot instance.
const CandidateCap = 10

// Candidate is a nominated message. Unique on
// (ExternalMessageID, SlotInstanceID) within its instance.
type Candidate struct {
	ID                int64
	SlotInstanceID    int64
	ExternalMessageID int
	Preview           string
	AuthorID          int64
	SubmitterID       int64
	CreatedAt         time.Time
}

type PollStatus string

const (
	PollOpened PollStatus = "opened"
	PollClosed PollStatus = "closed"
)

// Poll is the decision record for a slot instance, at most one per instance.
//
// ExternalID is the externally visible decision message id. For a multi
// candidate vote it is the gateway poll message; for a single candidate it is
// the candidate's own message id and no external poll ever exists.
type Poll struct {
	ID             int64
	SlotInstanceID int64
	Status         PollStatus
	ExternalID     int
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

// MaxDispatchAttempts caps delivery retries. Entries that exhaust the cap
// while still pending are never selected again.
const MaxDispatchAttempts = 3

// OutboxEntry carries a resolved winner towards delivery, at most one per
// slot instance. SentAt is set only on success and a sent entry is immutable.
type OutboxEntry struct {
	ID             int64
	SlotInstanceID int64
	CandidateID    int64
	Status         OutboxStatus
	Attempts       int
	CreatedAt      time.Time
	SentAt         *time.Time
}

// DateOf renders t's calendar day in ISO form, the representation slot
// instances are keyed by.
func DateOf(t time.Time) string { return t.Format("2006-01-02") }

// MinuteOf returns t's position within its day in minutes.
func MinuteOf(t time.Time) int { return t.Hour()*60 + t.Minute() }

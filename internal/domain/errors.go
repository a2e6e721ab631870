package domain

import (
	"errors"
	"fmt"
)

// Business-rule failures returned to the immediate caller. Batch stages never
// let these (or anything else) cross a stage boundary; per-item failures are
// logged and the batch moves on.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrLimitExceeded = errors.New("candidate limit exceeded")
)

// ParseFailureKind is the closed set of ways a winning-option text can fail
// the bracketed-id contract. Callers match on the kind, not on strings.
type ParseFailureKind int

const (
	OpeningBracketNotFound ParseFailureKind = iota
	ClosingBracketNotFound
	MessageIDNotFound
)

func (k ParseFailureKind) String() string {
	switch k {
	case OpeningBracketNotFound:
		return "opening bracket not found"
	case ClosingBracketNotFound:
		return "closing bracket not found"
	case MessageIDNotFound:
		return "message id not found"
	default:
		return "unknown parse failure"
	}
}

// ParseFailure reports a malformed winning-option text.
type ParseFailure struct {
	Kind ParseFailureKind
	Raw  string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("winner text %q: %s", e.Raw, e.Kind)
}

package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"envoybot/internal/domain"
)

// Telegram caps poll option text length.
const optionTextLimit = 100

// OptionText renders a candidate as a poll option. The bracketed id prefix is
// load-bearing: ParseWinnerID recovers the candidate from the winning option's
// raw text after the poll closes.
func OptionText(c domain.Candidate) string {
	s := fmt.Sprintf("[%d] %s", c.ExternalMessageID, c.Preview)
	rs := []rune(s)
	if len(rs) > optionTextLimit {
		s = string(rs[:optionTextLimit-1]) + "…"
	}
	return s
}

// ParseWinnerID extracts the candidate message id embedded in the first
// bracketed segment of a winning option's text ("[123] ..." -> 123).
// Failures are reported as *domain.ParseFailure with a distinct kind for a
// missing opening bracket, a missing closing bracket, and empty/non-numeric
// bracket content.
func ParseWinnerID(raw string) (int, error) {
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		return 0, &domain.ParseFailure{Kind: domain.OpeningBracketNotFound, Raw: raw}
	}
	rest := raw[open+1:]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, &domain.ParseFailure{Kind: domain.ClosingBracketNotFound, Raw: raw}
	}
	inner := strings.TrimSpace(rest[:end])
	id, err := strconv.Atoi(inner)
	if err != nil {
		return 0, &domain.ParseFailure{Kind: domain.MessageIDNotFound, Raw: raw}
	}
	return id, nil
}

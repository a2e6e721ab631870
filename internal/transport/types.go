package transport

import "context"

// Message is an incoming chat message in gateway-neutral form.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	ReplyTo      *Message
}

// Update is one unit of inbound traffic from the chat platform.
type Update struct {
	Message *Message
}

// Gateway is the outbound messaging contract the exchange core consumes.
type Gateway interface {
	// SendMessage posts text and returns the new message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	// SendPoll opens a native multi-option poll and returns its message id.
	SendPoll(ctx context.Context, chatID int64, question string, options []string) (int, error)
	// StopPoll closes the poll message and returns the winning option's text.
	StopPoll(ctx context.Context, chatID int64, pollMessageID int) (string, error)
	// CopyMessage re-posts a source-chat message into the target chat and
	// returns the new message id.
	CopyMessage(ctx context.Context, targetChatID, sourceChatID int64, messageID int) (int, error)
}

// Adapter is a full platform binding: the Gateway plus inbound update flow.
type Adapter interface {
	Gateway

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

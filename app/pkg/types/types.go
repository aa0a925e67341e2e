package types

import "context"

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Message represents a user input or a bot reply
type Message struct {
	ID        string
	Content   string
	Role      string // "user", "assistant"
	ChannelID string // Source channel identifier (e.g., "telegram", "cli")
	UserID    string // Numeric sender id in decimal form
	ChatID    string // Peer the reply is addressed to
	RequestID string
	Meta      map[string]interface{}
}

// Responder delivers replies for one inbound message.
type Responder interface {
	Reply(ctx context.Context, content string) error
}

// Agent handles one inbound message and answers through the responder.
type Agent interface {
	Process(ctx context.Context, msg Message, out Responder) error
	Name() string
}

// Channel represents an input/output interface (Telegram, CLI)
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, msg Message) error
	ID() string
}

// Gateway orchestrates channels and the agent
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}

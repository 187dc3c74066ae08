package connector

import "context"

// Sender delivers outbound messages. Outbound-only sinks such as the Slack
// notifier implement just this.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// Connector is the interface for external messaging platforms (Telegram).
type Connector interface {
	Sender

	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
}

// OutboundMessage is a message sent from deskline to an external platform.
type OutboundMessage struct {
	ChatID  string   // Platform-specific chat identifier
	Content string   // Message text (Markdown)
	Media   []string // Optional file paths to attach
}

// InboundMessage is a message received from an external platform.
type InboundMessage struct {
	Channel    string // Connector name (e.g., "telegram")
	SenderID   string // Platform-specific sender identifier
	SenderName string // Display name, for reporting only
	ChatID     string // Platform-specific chat identifier
	Content    string // Message text; commands keep their leading slash
}

// InboundHandler processes messages received from external platforms.
// Implementations open tickets or run agent commands via the desk router.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

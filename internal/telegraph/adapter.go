// Package telegraph announces visitor and training events to chat platforms
// (Slack, Discord).
package telegraph

import "context"

// Poster is the interface platform-specific implementations must satisfy.
type Poster interface {
	// Connect verifies credentials with the chat platform.
	Connect(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close releases the platform client.
	Close() error
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // target channel
	Text      string           // message text (platform-native formatting)
	Events    []FormattedEvent // structured event attachments
}

// FormattedEvent is an event formatted for display in chat.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // "info", "success", "warning", "error"
	Color    string // hex color for the sidebar
	Fields   []Field
}

// Field is a key/value pair shown inside a FormattedEvent.
type Field struct {
	Name  string
	Value string
	Short bool // display side by side when the platform supports it
}

// Package bridge mirrors Parley rooms into chat platform channels (Slack,
// Discord) and turns channel messages back into room input.
package bridge

import (
	"context"
	"time"
)

// Adapter is what a chat platform implementation provides.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is closed
	// when the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close shuts down the adapter connection.
	Close() error
}

// InboundMessage is a message received from the chat platform.
type InboundMessage struct {
	Platform  string // "slack", "discord"
	ChannelID string
	ThreadID  string // empty if top-level
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is a message to post on the chat platform.
type OutboundMessage struct {
	ChannelID string
	Text      string           // platform-native formatting
	Events    []FormattedEvent // rendered as attachments or embeds
}

// FormattedEvent is a room event rendered for chat.
type FormattedEvent struct {
	Title  string
	Body   string
	Color  string // sidebar color hint, e.g. "#36a64f"
	Fields []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}

// BotUserIDer is implemented by adapters that know the bot's own user ID.
type BotUserIDer interface {
	BotUserID() string
}

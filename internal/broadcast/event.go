// Package broadcast fans room events out to viewers (WebSocket, SSE, chat
// bridges, other instances) and carries their chat and control frames back
// into the coordinator.
package broadcast

import (
	"time"

	"github.com/zulandar/parley/internal/models"
)

// EventType names a room event on the wire.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventResponderTyping EventType = "responder_typing"
	EventNextTurnAt      EventType = "next_turn_at"
	EventStopped         EventType = "conversation_stopped"
	EventResumed         EventType = "conversation_resumed"
	EventHalted          EventType = "conversation_halted"
)

// Event is one room-scoped notification.
type Event struct {
	Type       EventType `json:"type"`
	RoomID     string    `json:"roomId"`
	Message    *Message  `json:"message,omitempty"`
	Responder  string    `json:"responder,omitempty"`  // responder_typing
	NextTurnAt int64     `json:"nextTurnAt,omitempty"` // unix millis
	Reason     string    `json:"reason,omitempty"`     // conversation_halted
	By         string    `json:"by,omitempty"`         // who stopped or resumed

	// Via names the surface a human message came in through ("ws", "slack",
	// ...) so that surface can skip echoing it back.
	Via string `json:"via,omitempty"`
	// Origin is the publishing instance, set by the Redis relay.
	Origin string `json:"origin,omitempty"`
	// Seq numbers an origin's relayed events; a skipped number means a
	// remote copy was lost.
	Seq uint64 `json:"seq,omitempty"`
}

// Message is the wire form of a transcript entry.
type Message struct {
	Sequence  int       `json:"sequence"`
	Sender    string    `json:"sender"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage converts a stored transcript entry.
func NewMessage(m models.RoomMessage) *Message {
	return &Message{
		Sequence:  m.Sequence,
		Sender:    m.Sender,
		Kind:      string(m.Kind),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

// Publisher delivers events. Publish must not block on slow consumers; the
// scheduler calls it while holding a room lock.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

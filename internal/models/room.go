package models

import "time"

// RoomStatus governs whether new responder turns may be scheduled.
type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomStopped RoomStatus = "stopped"
)

// Room is a multi-agent chat room. The scheduler owns Generating,
// ResponderTurnCount, CapAnnounced and NextTurnAt; everything else is set
// when the room is created.
type Room struct {
	ID                  string     `gorm:"primaryKey;size:36"`
	Name                string     `gorm:"size:128;not null;uniqueIndex"`
	Topic               string     `gorm:"type:text;not null"`
	Status              RoomStatus `gorm:"size:16;default:active;index"`
	Generating          bool       `gorm:"default:false;index"`
	TurnIntervalSeconds int        `gorm:"not null;default:60"`
	MaxResponderTurns   *int       // nil = unlimited
	ResponderTurnCount  int        `gorm:"not null;default:0"`
	CapAnnounced        bool       `gorm:"default:false"`
	SentenceCount       *int       // exact sentence constraint for responders; nil = none
	NextTurnAt          *time.Time // informational, drives client countdowns
	CreatorID           string     `gorm:"size:64;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Messages   []RoomMessage `gorm:"foreignKey:RoomID"`
	Responders []Responder   `gorm:"many2many:room_responders"`
}

// MessageKind classifies who authored a room message.
type MessageKind string

const (
	KindHuman     MessageKind = "human"
	KindResponder MessageKind = "responder"
	KindSystem    MessageKind = "system"
	// KindFallback is the system-authored stand-in for a failed backend call.
	// It counts as a responder turn.
	KindFallback MessageKind = "fallback"
)

// SystemSender is the sender name used for scheduler-authored messages.
const SystemSender = "System"

// RoomMessage is one entry in a room's append-only transcript.
type RoomMessage struct {
	ID          uint        `gorm:"primaryKey;autoIncrement"`
	RoomID      string      `gorm:"size:36;not null;uniqueIndex:idx_room_sequence"`
	Sequence    int         `gorm:"not null;uniqueIndex:idx_room_sequence"`
	Sender      string      `gorm:"size:64;not null"`
	Kind        MessageKind `gorm:"size:16;not null;default:human"`
	ResponderID string      `gorm:"size:36"`
	Content     string      `gorm:"type:text;not null"`
	Timestamp   time.Time   `gorm:"index"`
}

// CountsAsResponderTurn reports whether appending m advances the room's
// responder turn counter.
func (m RoomMessage) CountsAsResponderTurn() bool {
	return m.Kind == KindResponder || m.Kind == KindFallback
}

// Capped reports whether the room has a responder turn limit.
func (r *Room) Capped() bool {
	return r.MaxResponderTurns != nil
}

// CapReached reports whether no further responder turns may be scheduled.
func (r *Room) CapReached() bool {
	return r.MaxResponderTurns != nil && r.ResponderTurnCount >= *r.MaxResponderTurns
}

// LastMessage returns the most recent transcript entry, or nil.
func (r *Room) LastMessage() *RoomMessage {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// Recent returns up to n of the latest messages, oldest first.
func (r *Room) Recent(n int) []RoomMessage {
	if n <= 0 || n >= len(r.Messages) {
		out := make([]RoomMessage, len(r.Messages))
		copy(out, r.Messages)
		return out
	}
	out := make([]RoomMessage, n)
	copy(out, r.Messages[len(r.Messages)-n:])
	return out
}

// Append adds msg to the transcript, assigning the next sequence number, and
// bumps ResponderTurnCount for responder-authored entries. It returns the
// appended copy.
func (r *Room) Append(msg RoomMessage) RoomMessage {
	msg.RoomID = r.ID
	msg.Sequence = 1
	if last := r.LastMessage(); last != nil {
		msg.Sequence = last.Sequence + 1
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	r.Messages = append(r.Messages, msg)
	if msg.CountsAsResponderTurn() {
		r.ResponderTurnCount++
	}
	return msg
}

// HasResponder reports whether a responder with the given ID is on the roster.
func (r *Room) HasResponder(id string) bool {
	for _, resp := range r.Responders {
		if resp.ID == id {
			return true
		}
	}
	return false
}

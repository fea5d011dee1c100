package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAdapterClosed is returned by MemoryAdapter once Close has run.
var ErrAdapterClosed = errors.New("memory adapter: closed")

// MemoryAdapter is an in-process chat platform. Post feeds a channel
// message to the bridge as if a person typed it; whatever the bridge sends
// is kept per channel and read back with Outbox or Channel.
type MemoryAdapter struct {
	self  string
	posts chan InboundMessage

	mu       sync.Mutex
	open     bool
	shut     bool
	outbox   []OutboundMessage
	channels map[string][]OutboundMessage
	failWith error
}

// NewMemoryAdapter returns an adapter whose own messages carry selfID.
func NewMemoryAdapter(selfID string) *MemoryAdapter {
	return &MemoryAdapter{
		self:     selfID,
		posts:    make(chan InboundMessage, 100),
		channels: make(map[string][]OutboundMessage),
	}
}

func (m *MemoryAdapter) BotUserID() string { return m.self }

// FailSends makes Send return err until it is called again with nil.
func (m *MemoryAdapter) FailSends(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		return ErrAdapterClosed
	}
	m.open = true
	return nil
}

func (m *MemoryAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, errors.New("memory adapter: listen before connect")
	}
	return m.posts, nil
}

func (m *MemoryAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.shut:
		return ErrAdapterClosed
	case !m.open:
		return errors.New("memory adapter: send before connect")
	case m.failWith != nil:
		return m.failWith
	}
	m.outbox = append(m.outbox, msg)
	m.channels[msg.ChannelID] = append(m.channels[msg.ChannelID], msg)
	return nil
}

// Close ends the inbound stream, which stops a running Bridge.
func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shut {
		m.shut = true
		m.open = false
		close(m.posts)
	}
	return nil
}

// Post queues msg as channel input. A zero Timestamp is set to now.
func (m *MemoryAdapter) Post(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.posts <- msg
}

// Delivered reports how many messages Send accepted.
func (m *MemoryAdapter) Delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

// Outbox returns every accepted message in send order.
func (m *MemoryAdapter) Outbox() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.outbox...)
}

// Channel returns the messages sent to one channel.
func (m *MemoryAdapter) Channel(id string) []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.channels[id]...)
}

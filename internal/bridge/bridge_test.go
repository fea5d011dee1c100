package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/models"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeController) HumanMessage(_ context.Context, roomID, sender, text, via string) (models.RoomMessage, error) {
	return models.RoomMessage{}, f.record(fmt.Sprintf("chat %s %s %s %s", roomID, sender, text, via))
}

func (f *fakeController) Stop(_ context.Context, roomID, userID string) error {
	return f.record("stop " + roomID + " " + userID)
}

func (f *fakeController) Resume(_ context.Context, roomID, userID string) error {
	return f.record("resume " + roomID + " " + userID)
}

func (f *fakeController) NextTurnAt(context.Context, string) (*time.Time, error) { return nil, nil }

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startBridge(t *testing.T, ctrl *fakeController) (*MemoryAdapter, *broadcast.Hub, chan error) {
	t.Helper()
	adapter := NewMemoryAdapter("U_BOT")
	hub := broadcast.NewHub(16, nil)
	b, err := New(Opts{
		Adapter:    adapter,
		Platform:   "slack",
		Hub:        hub,
		Controller: ctrl,
		Rooms:      []config.BridgeRoomConfig{{RoomID: "room-1", ChannelID: "C1"}},
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})
	waitFor(t, "hub subscription", func() bool { return hub.Subscribers("") == 1 })
	return adapter, hub, done
}

func TestNew_Validation(t *testing.T) {
	hub := broadcast.NewHub(0, nil)
	ctrl := &fakeController{}
	rooms := []config.BridgeRoomConfig{{RoomID: "r", ChannelID: "c"}}
	tests := []struct {
		name string
		opts Opts
	}{
		{"no adapter", Opts{Platform: "slack", Hub: hub, Controller: ctrl, Rooms: rooms}},
		{"no hub", Opts{Adapter: NewMemoryAdapter(""), Platform: "slack", Controller: ctrl, Rooms: rooms}},
		{"no controller", Opts{Adapter: NewMemoryAdapter(""), Platform: "slack", Hub: hub, Rooms: rooms}},
		{"no platform", Opts{Adapter: NewMemoryAdapter(""), Hub: hub, Controller: ctrl, Rooms: rooms}},
		{"no rooms", Opts{Adapter: NewMemoryAdapter(""), Platform: "slack", Hub: hub, Controller: ctrl}},
		{"shared channel", Opts{Adapter: NewMemoryAdapter(""), Platform: "slack", Hub: hub, Controller: ctrl,
			Rooms: []config.BridgeRoomConfig{{RoomID: "a", ChannelID: "c"}, {RoomID: "b", ChannelID: "c"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBridge_InboundMessagesAndCommands(t *testing.T) {
	ctrl := &fakeController{}
	adapter, _, _ := startBridge(t, ctrl)

	adapter.Post(InboundMessage{Platform: "slack", ChannelID: "C1", UserID: "U1", UserName: "alice", Text: "  hello there  "})
	adapter.Post(InboundMessage{Platform: "slack", ChannelID: "C1", UserID: "U_BOT", UserName: "parley", Text: "echo"})
	adapter.Post(InboundMessage{Platform: "slack", ChannelID: "C_OTHER", UserID: "U1", UserName: "alice", Text: "elsewhere"})
	adapter.Post(InboundMessage{Platform: "slack", ChannelID: "C1", UserID: "U2", Text: "!STOP"})
	adapter.Post(InboundMessage{Platform: "slack", ChannelID: "C1", UserID: "U1", UserName: "alice", Text: "!resume"})

	want := []string{
		"chat room-1 alice hello there slack",
		"stop room-1 U2",
		"resume room-1 alice",
	}
	waitFor(t, "controller calls", func() bool { return len(ctrl.recorded()) == len(want) })
	got := ctrl.recorded()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if adapter.Delivered() != 0 {
		t.Errorf("sent = %d, want 0", adapter.Delivered())
	}
}

func TestBridge_RejectedInboundGetsReply(t *testing.T) {
	ctrl := &fakeController{err: errors.New("room is not stopped")}
	adapter, _, _ := startBridge(t, ctrl)

	adapter.Post(InboundMessage{ChannelID: "C1", UserID: "U1", UserName: "alice", Text: "!resume"})

	waitFor(t, "reply", func() bool { return adapter.Delivered() == 1 })
	reply := adapter.Outbox()[0]
	if reply.ChannelID != "C1" {
		t.Errorf("reply channel = %q, want C1", reply.ChannelID)
	}
	if !strings.Contains(reply.Text, "room is not stopped") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestBridge_MirrorsRoomEvents(t *testing.T) {
	adapter, hub, _ := startBridge(t, &fakeController{})

	msg := func(sender, content string) *broadcast.Message {
		return &broadcast.Message{Sender: sender, Kind: string(models.KindResponder), Content: content}
	}
	hub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: "room-1", Message: msg("alice", "from slack"), Via: "slack"})
	hub.Publish(broadcast.Event{Type: broadcast.EventResponderTyping, RoomID: "room-1", Responder: "Ada"})
	hub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: "room-2", Message: msg("Ada", "unmapped")})
	hub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: "room-1", Message: msg("Ada", "Hi all."), Via: "ws"})
	hub.Publish(broadcast.Event{Type: broadcast.EventHalted, RoomID: "room-1", Reason: "backend_failures"})

	waitFor(t, "mirrored events", func() bool { return adapter.Delivered() == 2 })
	// Give stray events a moment to show up.
	time.Sleep(20 * time.Millisecond)
	sent := adapter.Outbox()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
	if sent[0].ChannelID != "C1" || sent[0].Text != "*Ada*: Hi all." {
		t.Errorf("first = %+v", sent[0])
	}
	if len(sent[1].Events) != 1 || sent[1].Events[0].Color != ColorWarning {
		t.Errorf("halt = %+v", sent[1])
	}
}

func TestBridge_ResubscribesAfterEviction(t *testing.T) {
	adapter, hub, _ := startBridge(t, &fakeController{})

	if n := hub.EvictAll(); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	waitFor(t, "resubscribe", func() bool { return hub.Subscribers("") == 1 })

	hub.Publish(broadcast.Event{Type: broadcast.EventStopped, RoomID: "room-1", By: "alice"})
	waitFor(t, "mirrored stop", func() bool { return adapter.Delivered() == 1 })
}

func TestBridge_SendFailureDoesNotStopMirroring(t *testing.T) {
	adapter, hub, done := startBridge(t, &fakeController{})
	adapter.FailSends(errors.New("channel archived"))

	hub.Publish(broadcast.Event{Type: broadcast.EventStopped, RoomID: "room-1", By: "alice"})
	time.Sleep(20 * time.Millisecond)
	if adapter.Delivered() != 0 {
		t.Fatalf("delivered = %d, want 0 while sends fail", adapter.Delivered())
	}
	select {
	case err := <-done:
		t.Fatalf("bridge exited: %v", err)
	default:
	}

	adapter.FailSends(nil)
	hub.Publish(broadcast.Event{Type: broadcast.EventStopped, RoomID: "room-1", By: "bob"})
	waitFor(t, "mirror after recovery", func() bool { return adapter.Delivered() == 1 })
	got := adapter.Channel("C1")
	if len(got) != 1 || len(got[0].Events) != 1 || len(got[0].Events[0].Fields) != 1 ||
		got[0].Events[0].Fields[0].Value != "bob" {
		t.Errorf("C1 = %+v", got)
	}
}

func TestBridge_StopsWhenInboundCloses(t *testing.T) {
	adapter := NewMemoryAdapter("")
	hub := broadcast.NewHub(0, nil)
	b, err := New(Opts{
		Adapter: adapter, Platform: "discord", Hub: hub, Controller: &fakeController{},
		Rooms: []config.BridgeRoomConfig{{RoomID: "r", ChannelID: "c"}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	waitFor(t, "subscription", func() bool { return hub.Subscribers("") == 1 })
	adapter.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	if hub.Subscribers("") != 0 {
		t.Error("subscription not released")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		event  broadcast.Event
		want   string
		events int
		ok     bool
	}{
		{"responder", broadcast.Event{Type: broadcast.EventMessageAppended, Message: &broadcast.Message{Sender: "Ada", Kind: "responder", Content: "Hi"}}, "*Ada*: Hi", 0, true},
		{"system", broadcast.Event{Type: broadcast.EventMessageAppended, Message: &broadcast.Message{Sender: "System", Kind: "system", Content: "Conversation resumed"}}, "_Conversation resumed_", 0, true},
		{"fallback", broadcast.Event{Type: broadcast.EventMessageAppended, Message: &broadcast.Message{Sender: "System", Kind: "fallback", Content: "oops"}}, "_oops_", 0, true},
		{"nil message", broadcast.Event{Type: broadcast.EventMessageAppended}, "", 0, false},
		{"stopped", broadcast.Event{Type: broadcast.EventStopped, By: "alice"}, "Conversation stopped", 1, true},
		{"resumed", broadcast.Event{Type: broadcast.EventResumed}, "Conversation resumed", 1, true},
		{"halted", broadcast.Event{Type: broadcast.EventHalted, Reason: "missing_credentials"}, "Conversation halted", 1, true},
		{"typing", broadcast.Event{Type: broadcast.EventResponderTyping}, "", 0, false},
		{"next turn", broadcast.Event{Type: broadcast.EventNextTurnAt, NextTurnAt: 1}, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := Format(tt.event, "C1")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if out.ChannelID != "C1" || out.Text != tt.want || len(out.Events) != tt.events {
				t.Errorf("out = %+v", out)
			}
		})
	}
}

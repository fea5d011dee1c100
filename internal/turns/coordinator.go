// Package turns runs the per-room responder conversation: who speaks next,
// when, and how the loop reacts to human messages, stop and resume.
package turns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/responder"
	"github.com/zulandar/parley/internal/store"
	"go.uber.org/zap"
)

const (
	resumedText  = "Conversation resumed"
	capText      = "The conversation has reached the maximum number of agent messages."
	fallbackText = "I'm having trouble generating a response right now."
)

var (
	// ErrNotStopped rejects Resume on a room that is already active.
	ErrNotStopped = errors.New("turns: room is not stopped")
	// ErrLoopDraining rejects Resume while a stopped loop is still finishing
	// its in-flight turn.
	ErrLoopDraining = errors.New("turns: previous loop still winding down")
	// ErrEmptyMessage rejects blank human messages.
	ErrEmptyMessage = errors.New("turns: message is empty")
)

// Credentials resolves the provider keys of the user who triggered a loop.
type Credentials interface {
	Credential(ctx context.Context, userID string) (models.Credential, error)
}

// loop is one generation sequence. It owns its room from start until it
// finishes or is stopped.
type loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	userID string // whose credentials pay for the turns

	inFlight     bool // backend call or presentation delay in progress
	drainCounted bool
	failures     int
}

// roomState is the per-room single-flight record. loop != nil exactly while
// the room is generating.
type roomState struct {
	mu       sync.Mutex
	loop     *loop
	draining int
}

// Coordinator is the entry point for everything that can start or end a
// room's loop.
type Coordinator struct {
	store     store.RoomStore
	creds     Credentials
	gen       responder.Generator
	pub       broadcast.Publisher
	auth      Authorizer
	selector  *Selector
	metrics   *metrics.Metrics
	log       *zap.Logger
	cfg       config.SchedulerConfig
	unit      time.Duration
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*roomState
}

// CoordinatorOpts configures a Coordinator.
type CoordinatorOpts struct {
	Store        store.RoomStore
	Credentials  Credentials
	Generator    responder.Generator
	Publisher    broadcast.Publisher
	Authorizer   Authorizer // nil = AllowAll
	Selector     *Selector  // nil = uniform over the global source
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Scheduler    config.SchedulerConfig
	IntervalUnit time.Duration // scales Room.TurnIntervalSeconds; zero = time.Second
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("turns: coordinator: store is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("turns: coordinator: generator is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("turns: coordinator: publisher is required")
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.Selector == nil {
		opts.Selector = NewSelector(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IntervalUnit <= 0 {
		opts.IntervalUnit = time.Second
	}
	if opts.Scheduler.ContextWindow <= 0 {
		opts.Scheduler.ContextWindow = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     opts.Store,
		creds:     opts.Credentials,
		gen:       opts.Generator,
		pub:       opts.Publisher,
		auth:      opts.Authorizer,
		selector:  opts.Selector,
		metrics:   opts.Metrics,
		log:       opts.Logger.Named("turns"),
		cfg:       opts.Scheduler,
		unit:      opts.IntervalUnit,
		baseCtx:   ctx,
		cancelAll: cancel,
		rooms:     make(map[string]*roomState),
	}, nil
}

func (c *Coordinator) state(roomID string) *roomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	if !ok {
		st = &roomState{}
		c.rooms[roomID] = st
	}
	return st
}

// HumanMessage appends a human-authored message and starts a loop when the
// room is active and idle. A message identical to the latest entry (same
// sender and content) is not appended twice. via tags the broadcast so the
// originating surface can skip its own echo.
func (c *Coordinator) HumanMessage(ctx context.Context, roomID, sender, text, via string) (models.RoomMessage, error) {
	text = strings.TrimSpace(text)
	sender = strings.TrimSpace(sender)
	if text == "" {
		return models.RoomMessage{}, ErrEmptyMessage
	}
	if sender == "" {
		return models.RoomMessage{}, fmt.Errorf("turns: human message: sender is required")
	}
	if err := c.auth.Authorize(ctx, ActionChat, roomID, sender); err != nil {
		return models.RoomMessage{}, fmt.Errorf("turns: human message: %w", err)
	}

	st := c.state(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		return models.RoomMessage{}, fmt.Errorf("turns: human message: %w", err)
	}

	var appended *models.RoomMessage
	msg := models.RoomMessage{Sender: sender, Kind: models.KindHuman, Content: text}
	if last := room.LastMessage(); last != nil && last.Sender == sender && last.Content == text {
		msg = *last
	} else {
		m := room.Append(msg)
		appended = &m
		msg = m
	}

	start := room.Status == models.RoomActive && st.loop == nil && len(room.Responders) > 0
	var l *loop
	if start {
		l = c.newLoop(st, sender)
		room.Generating = true
	}
	if appended != nil || start {
		if err := c.store.SaveRoom(ctx, room); err != nil {
			if l != nil {
				c.abandon(st, l)
			}
			return models.RoomMessage{}, fmt.Errorf("turns: human message: %w", err)
		}
	}
	if appended != nil {
		c.pub.Publish(broadcast.Event{
			Type:    broadcast.EventMessageAppended,
			RoomID:  roomID,
			Message: broadcast.NewMessage(*appended),
			Via:     via,
		})
	}
	if l != nil {
		c.log.Info("loop started", zap.String("room", roomID), zap.String("trigger", "message"), zap.String("user", sender))
		c.arm(roomID, l, "", 0)
	}
	return msg, nil
}

// Stop halts the room. Stopping a stopped room does nothing.
func (c *Coordinator) Stop(ctx context.Context, roomID, userID string) error {
	if err := c.auth.Authorize(ctx, ActionStop, roomID, userID); err != nil {
		return fmt.Errorf("turns: stop: %w", err)
	}
	st := c.state(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("turns: stop: %w", err)
	}
	if room.Status == models.RoomStopped {
		return nil
	}

	room.Status = models.RoomStopped
	room.Generating = false
	room.NextTurnAt = nil
	if l := st.loop; l != nil {
		l.cancel()
		if l.timer != nil {
			l.timer.Stop()
		}
		if l.inFlight {
			l.drainCounted = true
			st.draining++
		}
		st.loop = nil
		c.metrics.LoopEnded()
	}
	if err := c.store.SaveRoom(ctx, room); err != nil {
		return fmt.Errorf("turns: stop: %w", err)
	}
	c.pub.Publish(broadcast.Event{Type: broadcast.EventStopped, RoomID: roomID, By: userID})
	c.log.Info("conversation stopped", zap.String("room", roomID), zap.String("user", userID))
	return nil
}

// Resume reactivates a stopped room, seeds the transcript with a system
// message and starts a fresh loop.
func (c *Coordinator) Resume(ctx context.Context, roomID, userID string) error {
	if err := c.auth.Authorize(ctx, ActionResume, roomID, userID); err != nil {
		return fmt.Errorf("turns: resume: %w", err)
	}
	st := c.state(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("turns: resume: %w", err)
	}
	if room.Status != models.RoomStopped {
		return ErrNotStopped
	}
	if st.loop != nil || st.draining > 0 {
		return ErrLoopDraining
	}

	room.Status = models.RoomActive
	seed := room.Append(models.RoomMessage{Sender: models.SystemSender, Kind: models.KindSystem, Content: resumedText})
	var l *loop
	if len(room.Responders) > 0 {
		l = c.newLoop(st, userID)
		room.Generating = true
	}
	if err := c.store.SaveRoom(ctx, room); err != nil {
		if l != nil {
			c.abandon(st, l)
		}
		return fmt.Errorf("turns: resume: %w", err)
	}

	c.pub.Publish(broadcast.Event{Type: broadcast.EventResumed, RoomID: roomID, By: userID})
	c.pub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: roomID, Message: broadcast.NewMessage(seed)})
	if l != nil {
		c.log.Info("loop started", zap.String("room", roomID), zap.String("trigger", "resume"), zap.String("user", userID))
		c.arm(roomID, l, "", 0)
	}
	return nil
}

// NextTurnAt returns when the room's next responder turn is due, or nil when
// none is scheduled.
func (c *Coordinator) NextTurnAt(ctx context.Context, roomID string) (*time.Time, error) {
	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("turns: next turn: %w", err)
	}
	if room.Status != models.RoomActive {
		return nil, nil
	}
	return room.NextTurnAt, nil
}

// Generating reports whether this process owns a loop for roomID.
func (c *Coordinator) Generating(roomID string) bool {
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loop != nil || st.draining > 0
}

// guardClearer resets a room's persisted guard without rewriting the room.
type guardClearer interface {
	ClearGenerating(ctx context.Context, roomID string) error
}

// ReclaimGuard clears roomID's persisted generating flag unless this process
// owns a loop for it, as after a crash. It reports whether it cleared.
func (c *Coordinator) ReclaimGuard(ctx context.Context, roomID string) (bool, error) {
	st := c.state(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loop != nil || st.draining > 0 {
		return false, nil
	}
	if gc, ok := c.store.(guardClearer); ok {
		if err := gc.ClearGenerating(ctx, roomID); err != nil {
			return false, fmt.Errorf("turns: reclaim guard: %w", err)
		}
		return true, nil
	}
	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("turns: reclaim guard: %w", err)
	}
	room.Generating = false
	room.NextTurnAt = nil
	if err := c.store.SaveRoom(ctx, room); err != nil {
		return false, fmt.Errorf("turns: reclaim guard: %w", err)
	}
	return true, nil
}

// Shutdown cancels every loop. In-flight backend calls return promptly; no
// further turns are scheduled. Persisted guards are left for the janitor.
func (c *Coordinator) Shutdown() {
	c.cancelAll()
	c.mu.Lock()
	states := make([]*roomState, 0, len(c.rooms))
	for _, st := range c.rooms {
		states = append(states, st)
	}
	c.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		if l := st.loop; l != nil {
			if l.timer != nil {
				l.timer.Stop()
			}
			st.loop = nil
			c.metrics.LoopEnded()
		}
		st.mu.Unlock()
	}
}

// newLoop claims the room for a new loop. Caller holds st.mu.
func (c *Coordinator) newLoop(st *roomState, userID string) *loop {
	ctx, cancel := context.WithCancel(c.baseCtx)
	l := &loop{ctx: ctx, cancel: cancel, userID: userID}
	st.loop = l
	c.metrics.LoopStarted()
	return l
}

// abandon releases a loop that never ran. Caller holds st.mu.
func (c *Coordinator) abandon(st *roomState, l *loop) {
	l.cancel()
	if st.loop == l {
		st.loop = nil
		c.metrics.LoopEnded()
	}
}

// arm schedules the next iteration. Caller holds st.mu or owns l exclusively.
func (c *Coordinator) arm(roomID string, l *loop, exclude string, after time.Duration) {
	l.timer = time.AfterFunc(after, func() { c.iterate(roomID, l, exclude) })
}

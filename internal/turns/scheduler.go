package turns

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/responder"
	"go.uber.org/zap"
)

// Halt reasons carried by conversation_halted.
const (
	HaltMissingCredentials = "missing_credentials"
	HaltBackendFailures    = "backend_failures"
)

// turn is what one backend call produced.
type turn struct {
	speaker models.Responder
	msg     *models.RoomMessage // nil for an empty reply
	halt    string
	outcome string
}

// iterate runs one scheduler step for l. It re-enters itself through arm
// until the loop ends.
func (c *Coordinator) iterate(roomID string, l *loop, exclude string) {
	st := c.state(roomID)
	st.mu.Lock()
	if st.loop != l {
		st.mu.Unlock()
		return
	}
	l.timer = nil
	log := c.log.With(zap.String("room", roomID))

	room, err := c.store.LoadRoom(l.ctx, roomID)
	if err != nil {
		log.Error("load room", zap.Error(err))
		c.finish(st, l, nil)
		st.mu.Unlock()
		return
	}
	if room.Status != models.RoomActive {
		c.finish(st, l, room)
		st.mu.Unlock()
		return
	}

	if room.CapReached() {
		var announced *models.RoomMessage
		if !room.CapAnnounced {
			m := room.Append(models.RoomMessage{Sender: models.SystemSender, Kind: models.KindSystem, Content: capText})
			room.CapAnnounced = true
			announced = &m
		}
		log.Info("turn cap reached", zap.Int("turns", room.ResponderTurnCount))
		if c.finish(st, l, room) && announced != nil {
			c.pub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: roomID, Message: broadcast.NewMessage(*announced)})
		}
		st.mu.Unlock()
		return
	}

	speaker, ok := c.selector.Pick(room.Responders, exclude)
	if !ok {
		log.Debug("no eligible responder")
		c.finish(st, l, room)
		st.mu.Unlock()
		return
	}

	req := responder.Request{
		Provider: speaker.Provider,
		Model:    speaker.Model,
		System:   SystemPrompt(speaker, room.Topic),
		History:  room.Recent(c.cfg.ContextWindow),
		APIKey:   c.callerKey(l, speaker.Provider),
	}
	if room.SentenceCount != nil {
		req.SentenceCount = *room.SentenceCount
	}
	interval := time.Duration(room.TurnIntervalSeconds) * c.unit
	l.inFlight = true
	st.mu.Unlock()

	t := c.generate(l, speaker, req)
	if t.msg != nil {
		c.present(l, roomID, t.msg.Sender)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	l.inFlight = false
	owned := st.loop == l
	if l.drainCounted {
		l.drainCounted = false
		st.draining--
	}
	if t.outcome == metrics.OutcomeDropped {
		c.metrics.RecordTurn(t.outcome)
		log.Info("turn dropped after stop", zap.String("responder", speaker.Name))
		return
	}
	c.complete(st, l, owned, roomID, t, interval, log)
}

// generate calls the backend outside the room lock and classifies the result.
func (c *Coordinator) generate(l *loop, speaker models.Responder, req responder.Request) turn {
	ctx := l.ctx
	if timeout := c.cfg.BackendTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := c.gen.Generate(ctx, req)

	t := turn{speaker: speaker}
	switch {
	case err == nil:
		l.failures = 0
		t.outcome = metrics.OutcomeMessage
		t.msg = &models.RoomMessage{Sender: speaker.Name, Kind: models.KindResponder, ResponderID: speaker.ID, Content: text}
	case l.ctx.Err() != nil:
		t.outcome = metrics.OutcomeDropped
	case errors.Is(err, responder.ErrInvalidCredentials):
		t.halt = HaltMissingCredentials
	case errors.Is(err, responder.ErrEmptyContent):
		l.failures = 0
		t.outcome = metrics.OutcomeEmpty
	default:
		l.failures++
		t.outcome = metrics.OutcomeFallback
		t.msg = &models.RoomMessage{Sender: models.SystemSender, Kind: models.KindFallback, ResponderID: speaker.ID, Content: fallbackText}
		c.log.Warn("backend call failed, posting fallback",
			zap.String("responder", speaker.Name),
			zap.String("provider", string(speaker.Provider)),
			zap.Int("consecutive_failures", l.failures),
			zap.Error(err))
		if limit := c.cfg.MaxConsecutiveFailures; limit > 0 && l.failures >= limit {
			t.halt = HaltBackendFailures
		}
	}
	return t
}

// present announces the author and holds the message back for the
// presentation delay. A stop shortens the wait; the message is still kept.
func (c *Coordinator) present(l *loop, roomID, sender string) {
	c.pub.Publish(broadcast.Event{Type: broadcast.EventResponderTyping, RoomID: roomID, Responder: sender})
	delay := c.cfg.PresentationDelay()
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.ctx.Done():
	}
}

// complete persists the turn and either re-arms the loop or ends it. Caller
// holds st.mu.
func (c *Coordinator) complete(st *roomState, l *loop, owned bool, roomID string, t turn, interval time.Duration, log *zap.Logger) {
	// l.ctx may already be canceled by Stop; the generated message is kept.
	ctx := context.WithoutCancel(l.ctx)
	room, err := c.store.LoadRoom(ctx, roomID)
	if err != nil {
		log.Error("reload room after turn", zap.Error(err))
		if owned {
			c.finish(st, l, nil)
		}
		return
	}

	var appended *models.RoomMessage
	if t.msg != nil {
		m := room.Append(*t.msg)
		appended = &m
	}
	if t.outcome != "" {
		c.metrics.RecordTurn(t.outcome)
	}

	cont := owned && t.halt == "" && room.Status == models.RoomActive
	var next time.Time
	if cont {
		next = time.Now().Add(interval)
		room.NextTurnAt = &next
		if err := c.store.SaveRoom(ctx, room); err != nil {
			log.Error("save turn", zap.Error(err))
			c.finish(st, l, nil)
			return
		}
	} else if owned {
		if !c.finish(st, l, room) {
			return
		}
	} else if appended != nil {
		if err := c.store.SaveRoom(ctx, room); err != nil {
			log.Error("save turn after stop", zap.Error(err))
			return
		}
	}

	if appended != nil {
		c.pub.Publish(broadcast.Event{Type: broadcast.EventMessageAppended, RoomID: roomID, Message: broadcast.NewMessage(*appended)})
	}
	if t.halt != "" {
		c.halt(roomID, t.halt, log)
	}
	if cont {
		c.pub.Publish(broadcast.Event{Type: broadcast.EventNextTurnAt, RoomID: roomID, NextTurnAt: next.UnixMilli()})
		c.arm(roomID, l, t.speaker.ID, interval)
	}
}

func (c *Coordinator) halt(roomID, reason string, log *zap.Logger) {
	c.metrics.RecordHalt(reason)
	log.Warn("conversation halted", zap.String("reason", reason))
	c.pub.Publish(broadcast.Event{Type: broadcast.EventHalted, RoomID: roomID, Reason: reason})
}

// finish ends l and clears the guard. room, when non-nil, is saved with
// Generating=false along with any pending messages. It reports whether the
// save succeeded. Caller holds st.mu.
func (c *Coordinator) finish(st *roomState, l *loop, room *models.Room) bool {
	l.cancel()
	if st.loop == l {
		st.loop = nil
		c.metrics.LoopEnded()
	}
	if room == nil {
		return false
	}
	room.Generating = false
	room.NextTurnAt = nil
	if err := c.store.SaveRoom(context.WithoutCancel(l.ctx), room); err != nil {
		c.log.Error("clear generating", zap.String("room", room.ID), zap.Error(err))
		return false
	}
	return true
}

// callerKey returns the triggering user's key for p, or "" so the client
// falls back to the deployment key.
func (c *Coordinator) callerKey(l *loop, p models.Provider) string {
	if c.creds == nil || l.userID == "" {
		return ""
	}
	cred, err := c.creds.Credential(l.ctx, l.userID)
	if err != nil {
		c.log.Warn("credential lookup", zap.String("user", l.userID), zap.Error(err))
		return ""
	}
	return cred.KeyFor(p)
}

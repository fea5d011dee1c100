package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/config"
	"go.uber.org/zap"
)

// Channel commands.
const (
	CommandStop   = "!stop"
	CommandResume = "!resume"
)

// Bridge mirrors room events into their paired channels and feeds channel
// messages back into the rooms.
type Bridge struct {
	adapter  Adapter
	platform string
	hub      *broadcast.Hub
	ctrl     broadcast.Controller
	channels map[string]string // room ID -> channel ID
	rooms    map[string]string // channel ID -> room ID
	log      *zap.Logger
}

// Opts configures a Bridge.
type Opts struct {
	Adapter    Adapter
	Platform   string // tags inbound messages and filters their echo
	Hub        *broadcast.Hub
	Controller broadcast.Controller
	Rooms      []config.BridgeRoomConfig
	Logger     *zap.Logger
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bridge: adapter is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("bridge: hub is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("bridge: controller is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("bridge: platform is required")
	}
	if len(opts.Rooms) == 0 {
		return nil, fmt.Errorf("bridge: at least one room mapping is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		adapter:  opts.Adapter,
		platform: opts.Platform,
		hub:      opts.Hub,
		ctrl:     opts.Controller,
		channels: make(map[string]string, len(opts.Rooms)),
		rooms:    make(map[string]string, len(opts.Rooms)),
		log:      log.Named("bridge").With(zap.String("platform", opts.Platform)),
	}
	for _, r := range opts.Rooms {
		if _, dup := b.rooms[r.ChannelID]; dup {
			return nil, fmt.Errorf("bridge: channel %s is mapped to more than one room", r.ChannelID)
		}
		b.channels[r.RoomID] = r.ChannelID
		b.rooms[r.ChannelID] = r.RoomID
	}
	return b, nil
}

// Run connects the adapter and pumps traffic both ways until ctx is
// cancelled or the adapter stops delivering. The adapter is closed on return.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}
	defer b.adapter.Close()

	var botUserID string
	if bui, ok := b.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}

	sub := b.hub.Subscribe("")
	defer func() { sub.Close() }()

	b.log.Info("bridge running", zap.Int("rooms", len(b.channels)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				// Evicted for falling behind; the skipped events stay unmirrored.
				b.log.Warn("bridge fell behind room events, resubscribing")
				sub = b.hub.Subscribe("")
				continue
			}
			b.mirror(ctx, e)
		case msg, ok := <-inbound:
			if !ok {
				b.log.Info("inbound channel closed")
				return nil
			}
			if botUserID != "" && msg.UserID == botUserID {
				continue
			}
			b.handleInbound(ctx, msg)
		}
	}
}

// mirror posts e to the room's channel unless it has no chat form or
// originated on this platform.
func (b *Bridge) mirror(ctx context.Context, e broadcast.Event) {
	channelID, ok := b.channels[e.RoomID]
	if !ok {
		return
	}
	if e.Via == b.platform {
		return
	}
	out, ok := Format(e, channelID)
	if !ok {
		return
	}
	if err := b.adapter.Send(ctx, out); err != nil {
		b.log.Warn("mirror event", zap.String("room", e.RoomID), zap.String("event", string(e.Type)), zap.Error(err))
	}
}

func (b *Bridge) handleInbound(ctx context.Context, msg InboundMessage) {
	roomID, ok := b.rooms[msg.ChannelID]
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	sender := msg.UserName
	if sender == "" {
		sender = msg.UserID
	}

	var err error
	switch strings.ToLower(text) {
	case CommandStop:
		err = b.ctrl.Stop(ctx, roomID, sender)
	case CommandResume:
		err = b.ctrl.Resume(ctx, roomID, sender)
	default:
		_, err = b.ctrl.HumanMessage(ctx, roomID, sender, text, b.platform)
	}
	if err == nil {
		return
	}
	b.log.Info("inbound rejected", zap.String("room", roomID), zap.String("user", sender), zap.Error(err))
	reply := OutboundMessage{ChannelID: msg.ChannelID, Text: fmt.Sprintf("Could not apply that: %v", err)}
	if sendErr := b.adapter.Send(ctx, reply); sendErr != nil {
		b.log.Warn("reply", zap.Error(sendErr))
	}
}

package broadcast

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/zulandar/parley/internal/models"
	"go.uber.org/zap"
)

// ViaWebSocket tags messages that arrived through the Gateway.
const ViaWebSocket = "ws"

// Controller is the subset of the coordinator the inbound surfaces drive.
type Controller interface {
	HumanMessage(ctx context.Context, roomID, sender, text, via string) (models.RoomMessage, error)
	Stop(ctx context.Context, roomID, userID string) error
	Resume(ctx context.Context, roomID, userID string) error
	NextTurnAt(ctx context.Context, roomID string) (*time.Time, error)
}

// ResyncReason is the close reason (and SSE event name) sent to a viewer
// that fell behind; the client reconnects and reloads the transcript.
const ResyncReason = "resync"

// Frame is a client-to-server WebSocket message.
type Frame struct {
	Type string `json:"type"` // chat, stop, resume, next_turn_at
	Text string `json:"text,omitempty"`
}

// ErrorFrame reports a rejected Frame back to its sender.
type ErrorFrame struct {
	Type  string `json:"type"` // always "error"
	Error string `json:"error"`
}

// Gateway serves one WebSocket per viewer: room events out, chat and
// control frames in.
type Gateway struct {
	hub     *Hub
	ctrl    Controller
	origins []string
	log     *zap.Logger
}

// GatewayOpts configures a Gateway.
type GatewayOpts struct {
	Hub            *Hub
	Controller     Controller
	OriginPatterns []string // passed to websocket.AcceptOptions
	Logger         *zap.Logger
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOpts) *Gateway {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{hub: opts.Hub, ctrl: opts.Controller, origins: opts.OriginPatterns, log: log.Named("gateway")}
}

// Serve upgrades the request and runs the connection until either side
// closes it.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, roomID, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.origins})
	if err != nil {
		g.log.Debug("accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := g.hub.Subscribe(roomID)
	defer sub.Close()

	replies := make(chan any, 8)
	go g.readLoop(ctx, cancel, conn, roomID, userID, replies)

	for {
		var out any
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-sub.C:
			if !ok {
				// Evicted: the viewer missed events and must reload.
				conn.Close(websocket.StatusTryAgainLater, ResyncReason)
				return
			}
			out = e
		case out = <-replies:
		}
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(wctx, conn, out)
		wcancel()
		if err != nil {
			g.log.Debug("write", zap.String("room", roomID), zap.Error(err))
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, roomID, userID string, replies chan<- any) {
	defer cancel()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.log.Debug("read", zap.String("room", roomID), zap.Error(err))
			}
			return
		}
		reply := g.handle(ctx, f, roomID, userID)
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// handle applies one frame and returns a direct reply, or nil.
func (g *Gateway) handle(ctx context.Context, f Frame, roomID, userID string) any {
	var err error
	switch strings.ToLower(f.Type) {
	case "chat":
		_, err = g.ctrl.HumanMessage(ctx, roomID, userID, f.Text, ViaWebSocket)
	case "stop":
		err = g.ctrl.Stop(ctx, roomID, userID)
	case "resume":
		err = g.ctrl.Resume(ctx, roomID, userID)
	case "next_turn_at":
		var next *time.Time
		next, err = g.ctrl.NextTurnAt(ctx, roomID)
		if err == nil {
			e := Event{Type: EventNextTurnAt, RoomID: roomID}
			if next != nil {
				e.NextTurnAt = next.UnixMilli()
			}
			return e
		}
	default:
		return ErrorFrame{Type: "error", Error: "unknown frame type " + f.Type}
	}
	if err != nil {
		return ErrorFrame{Type: "error", Error: err.Error()}
	}
	return nil
}

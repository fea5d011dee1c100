// Package slack carries Parley rooms into Slack channels over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/parley/internal/bridge"
	"go.uber.org/zap"
)

// Platform is the Via tag for room input typed in Slack.
const Platform = "slack"

var (
	// postPolicy paces chat.postMessage when Slack answers with a rate limit.
	postPolicy = bridge.Backoff{Base: time.Second, Max: 30 * time.Second, Tries: 4}
	// redialPolicy paces Socket Mode sessions after the socket drops.
	redialPolicy = bridge.Backoff{Base: 2 * time.Second, Max: 2 * time.Minute, Tries: 10}
)

// slackClient is the Web API surface the adapter needs.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the Socket Mode surface the adapter needs.
type socketClient interface {
	Run(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeClient struct{ c *socketmode.Client }

func (s socketModeClient) Run(ctx context.Context) error     { return s.c.RunContext(ctx) }
func (s socketModeClient) EventsChan() chan socketmode.Event { return s.c.Events }
func (s socketModeClient) Ack(req socketmode.Request, payload ...interface{}) {
	s.c.Ack(req, payload...)
}

// Adapter mirrors rooms into Slack and reads channel messages back.
type Adapter struct {
	api      slackClient
	socket   socketClient
	appToken string
	botToken string
	log      *zap.Logger
	post     bridge.Backoff
	redial   bridge.Backoff

	mu        sync.Mutex
	self      string
	connected bool
	listening bool
	closed    bool
	stop      context.CancelFunc
	input     chan bridge.InboundMessage
	people    map[string]string // Slack user ID to display name
}

// AdapterOpts configures New. Client and Socket stand in for the live
// Slack connections when set.
type AdapterOpts struct {
	AppToken string // xapp- token, Socket Mode
	BotToken string // xoxb- token, Web API
	Logger   *zap.Logger
	Client   slackClient
	Socket   socketClient
}

func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, errors.New("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, errors.New("slack: app token is required for socket mode")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		api:      opts.Client,
		socket:   opts.Socket,
		appToken: opts.AppToken,
		botToken: opts.BotToken,
		log:      log.Named("slack"),
		post:     postPolicy,
		redial:   redialPolicy,
		input:    make(chan bridge.InboundMessage, 100),
		people:   make(map[string]string),
	}, nil
}

// Connect checks the bot token and learns the bot's own user ID, which is
// how the adapter recognises its mirrored posts coming back.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return errors.New("slack: adapter already closed")
	case a.connected:
		return nil
	}
	if a.api == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.api = api
		a.socket = socketModeClient{c: socketmode.New(api)}
	}
	auth, err := a.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.self = auth.UserID
	a.connected = true
	return nil
}

// Listen opens the socket and returns room input from Slack. The channel
// closes after Close or when ctx ends.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errors.New("slack: not connected")
	}
	if !a.listening {
		ctx, a.stop = context.WithCancel(ctx)
		a.listening = true
		go a.holdSocket(ctx)
		go a.readEvents(ctx)
	}
	return a.input, nil
}

// Send posts a mirrored room event to msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return errors.New("slack: not connected")
	}
	if msg.ChannelID == "" {
		return errors.New("slack: no channel specified")
	}
	options := messageOptions(msg)
	err := a.post.Retry(ctx, func() error {
		_, _, err := a.api.PostMessage(msg.ChannelID, options...)
		return err
	}, rateLimited)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close stops the socket. readEvents owns the input channel once Listen
// has run; before that Close closes it here.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed, a.connected = true, false
	if a.listening {
		a.stop()
	} else {
		close(a.input)
	}
	return nil
}

// BotUserID is the bot's Slack user ID, known after Connect.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

// holdSocket keeps a Socket Mode session open until ctx ends or the redial
// policy runs out.
func (a *Adapter) holdSocket(ctx context.Context) {
	for n := 0; n < a.redial.Tries; n++ {
		err := a.socket.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := a.redial.Delay(n)
		a.log.Warn("slack socket dropped, bridge input paused",
			zap.Int("session", n+1),
			zap.Duration("redial_in", wait),
			zap.Error(err))
		if bridge.Sleep(ctx, wait) != nil {
			return
		}
	}
	a.log.Error("slack socket gone, no more channel input", zap.Int("sessions", a.redial.Tries))
}

// readEvents turns socket events into room input. It is the only sender
// on a.input and closes it on return.
func (a *Adapter) readEvents(ctx context.Context) {
	defer close(a.input)
	events := a.socket.EventsChan()
	for {
		var evt socketmode.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case evt, ok = <-events:
			if !ok {
				return
			}
		}
		msg, ok := a.roomInput(evt)
		if !ok {
			continue
		}
		select {
		case a.input <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// roomInput acks evt and reports whether it carries a person's message.
func (a *Adapter) roomInput(evt socketmode.Event) (bridge.InboundMessage, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || api.Type != slackevents.CallbackEvent {
			return bridge.InboundMessage{}, false
		}
		ev, ok := api.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok || !a.fromPerson(ev) {
			return bridge.InboundMessage{}, false
		}
		return bridge.InboundMessage{
			Platform:  Platform,
			ChannelID: ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			UserID:    ev.User,
			UserName:  a.displayName(ev.User),
			Text:      ev.Text,
			Timestamp: messageTime(ev.TimeStamp),
		}, true
	case socketmode.EventTypeConnected:
		a.log.Info("slack socket open")
	case socketmode.EventTypeConnectionError:
		a.log.Warn("slack socket error", zap.Any("data", evt.Data))
	case socketmode.EventTypeDisconnect:
		a.log.Info("slack asked the socket to reconnect")
	}
	return bridge.InboundMessage{}, false
}

// fromPerson drops our own mirrored posts, other bots, and edit, delete or
// join subtypes.
func (a *Adapter) fromPerson(ev *slackevents.MessageEvent) bool {
	return ev.User != a.BotUserID() && ev.BotID == "" && ev.SubType == ""
}

// displayName is the sender name shown in the room. Lookups are cached;
// the user ID stands in when Slack has no name.
func (a *Adapter) displayName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.people[userID]
	a.mu.Unlock()
	if ok {
		return name
	}
	user, err := a.api.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	for _, n := range []string{user.Profile.DisplayName, user.RealName, userID} {
		if n != "" {
			name = n
			break
		}
	}
	a.mu.Lock()
	a.people[userID] = name
	a.mu.Unlock()
	return name
}

func messageOptions(msg bridge.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if len(msg.Events) == 0 {
		return options
	}
	atts := make([]slackapi.Attachment, len(msg.Events))
	for i, evt := range msg.Events {
		atts[i] = attachment(evt)
	}
	return append(options, slackapi.MsgOptionAttachments(atts...))
}

func attachment(evt bridge.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{Title: evt.Title, Text: evt.Body, Color: evt.Color, Fallback: evt.Title}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// rateLimited reports Slack's Retry-After for a throttled call.
func rateLimited(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// messageTime reads the seconds part of a Slack ts such as "1700000000.123456".
func messageTime(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// Package discord carries Parley rooms into Discord channels over the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/parley/internal/bridge"
	"go.uber.org/zap"
)

// Platform is the Via tag for room input typed in Discord.
const Platform = "discord"

// sendPolicy paces channel posts after a 429.
var sendPolicy = bridge.Backoff{Base: 2 * time.Second, Max: 2 * time.Minute, Tries: 4}

// session is the discordgo surface the adapter needs.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

type gatewaySession struct{ *discordgo.Session }

// Channel reads from the gateway state cache, never the REST API.
func (g gatewaySession) Channel(channelID string) (*discordgo.Channel, error) {
	return g.State.Channel(channelID)
}

// Adapter mirrors rooms into Discord and reads channel messages back.
// discordgo resumes dropped gateway sessions itself.
type Adapter struct {
	token string
	log   *zap.Logger
	send  bridge.Backoff

	mu        sync.Mutex
	gw        session
	self      string
	connected bool
	closed    bool
	input     chan bridge.InboundMessage
	unhook    func()
}

// AdapterOpts configures New. Session stands in for the live gateway
// when set.
type AdapterOpts struct {
	BotToken string
	Logger   *zap.Logger
	Session  session
}

func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, errors.New("discord: bot token is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		token: opts.BotToken,
		log:   log.Named("discord"),
		send:  sendPolicy,
		gw:    opts.Session,
		input: make(chan bridge.InboundMessage, 100),
	}, nil
}

// Connect opens the gateway. The Ready event tells the adapter its own
// user ID so mirrored posts are not read back as room input.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return errors.New("discord: adapter already closed")
	case a.connected:
		return nil
	}
	if a.gw == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.gw = gatewaySession{dg}
	}

	a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		a.log.Info("discord gateway ready", zap.String("bot", r.User.Username), zap.String("id", r.User.ID))
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Info("discord gateway lost, bridge input paused")
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info("discord gateway back, bridge input flowing")
	})

	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns room input from Discord. The channel closes on Close.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errors.New("discord: not connected")
	}
	if a.unhook == nil {
		a.unhook = a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.admit(m)
		})
	}
	return a.input, nil
}

// Send posts a mirrored room event to msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return errors.New("discord: not connected")
	}
	if msg.ChannelID == "" {
		return errors.New("discord: no channel specified")
	}
	data := messageSend(msg)
	err := a.send.Retry(ctx, func() error {
		_, err := a.gw.ChannelMessageSendComplex(msg.ChannelID, data)
		return err
	}, a.tooManyRequests)
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close detaches the message handler, closes the input channel and then
// the gateway.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed, a.connected = true, false
	if a.unhook != nil {
		a.unhook()
	}
	close(a.input)
	if a.gw == nil {
		return nil
	}
	return a.gw.Close()
}

// BotUserID is the bot's Discord user ID, known once the gateway is ready.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.self = id
}

// admit queues a person's message as room input. It runs on the gateway
// goroutine, so a full queue drops the message rather than block.
func (a *Adapter) admit(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	// A Discord thread is its own channel; rooms map to the parent.
	channelID, threadID := m.ChannelID, ""
	if ch, err := a.gw.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID, threadID = ch.ParentID, m.ChannelID
	}
	sent, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := bridge.InboundMessage{
		Platform:  Platform,
		ChannelID: channelID,
		ThreadID:  threadID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: sent,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || m.Author.ID == a.self {
		return
	}
	select {
	case a.input <- msg:
	default:
		a.log.Warn("bridge input backlog full, dropping discord message",
			zap.String("channel", channelID), zap.String("user", m.Author.Username))
	}
}

// tooManyRequests marks HTTP 429 responses as worth another try.
func (a *Adapter) tooManyRequests(err error) (time.Duration, bool) {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil || rest.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	a.log.Warn("discord rate limited a mirrored post")
	return 0, true
}

func messageSend(msg bridge.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: toDiscordMarkdown(msg.Text)}
	for _, evt := range msg.Events {
		e := &discordgo.MessageEmbed{Title: evt.Title, Description: evt.Body, Color: parseHexColor(evt.Color)}
		for _, f := range evt.Fields {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
		}
		data.Embeds = append(data.Embeds, e)
	}
	return data
}

// toDiscordMarkdown turns the leading *sender* of a mirrored line into
// Discord's **sender**.
func toDiscordMarkdown(s string) string {
	if strings.HasPrefix(s, "*") {
		if end := strings.Index(s[1:], "*"); end > 0 {
			return "**" + s[1:end+1] + "**" + s[end+2:]
		}
	}
	return s
}

// parseHexColor reads "#36a64f" as an embed color; bad input is 0.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

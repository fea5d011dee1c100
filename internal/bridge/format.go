package bridge

import (
	"fmt"

	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/models"
)

// Sidebar colors.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorSystem  = "#9e9e9e"
)

// Format renders a room event for channelID. Events with no chat
// representation (typing, next turn) report false.
func Format(e broadcast.Event, channelID string) (OutboundMessage, bool) {
	out := OutboundMessage{ChannelID: channelID}
	switch e.Type {
	case broadcast.EventMessageAppended:
		if e.Message == nil {
			return out, false
		}
		switch models.MessageKind(e.Message.Kind) {
		case models.KindSystem, models.KindFallback:
			out.Text = "_" + e.Message.Content + "_"
		default:
			out.Text = fmt.Sprintf("*%s*: %s", e.Message.Sender, e.Message.Content)
		}
	case broadcast.EventStopped:
		out.Text = "Conversation stopped"
		out.Events = []FormattedEvent{{
			Title:  "Conversation stopped",
			Color:  ColorInfo,
			Fields: byField(e.By),
		}}
	case broadcast.EventResumed:
		out.Text = "Conversation resumed"
		out.Events = []FormattedEvent{{
			Title:  "Conversation resumed",
			Color:  ColorInfo,
			Fields: byField(e.By),
		}}
	case broadcast.EventHalted:
		out.Text = "Conversation halted"
		out.Events = []FormattedEvent{{
			Title: "Conversation halted",
			Body:  haltBody(e.Reason),
			Color: ColorWarning,
			Fields: []Field{
				{Name: "Reason", Value: e.Reason, Short: true},
			},
		}}
	default:
		return out, false
	}
	return out, true
}

func byField(by string) []Field {
	if by == "" {
		return nil
	}
	return []Field{{Name: "By", Value: by, Short: true}}
}

func haltBody(reason string) string {
	switch reason {
	case "missing_credentials":
		return "No valid API key for this responder's provider. Add one and resume."
	case "backend_failures":
		return "The responder backend kept failing. Resume to try again."
	default:
		return ""
	}
}

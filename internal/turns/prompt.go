package turns

import (
	"fmt"

	"github.com/zulandar/parley/internal/models"
)

// SystemPrompt is the persona description handed to a responder backend.
func SystemPrompt(r models.Responder, topic string) string {
	return fmt.Sprintf("You are %s, an AI with the following personality: %s. "+
		"Respond to the conversation in character, considering the chat room topic: %s",
		r.Name, r.Personality, topic)
}

package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zulandar/parley/internal/config"
)

const anthropicVersion = "2023-06-01"

type anthropicWire struct{}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// newRequest folds the persona and the recent transcript into a single user
// turn.
func (anthropicWire) newRequest(ctx context.Context, cfg config.ProviderConfig, key string, req Request) (*http.Request, error) {
	lines := make([]string, 0, len(req.History))
	for _, m := range tail(req.History, cfg.ContextMessages) {
		lines = append(lines, m.Sender+": "+m.Content)
	}
	prompt := fmt.Sprintf("Your Background: %s\n\nConversation context:\n%s\n\n%s",
		req.System, strings.Join(lines, "\n"), SentenceInstruction(req.SentenceCount))

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	httpReq, err := postJSON(ctx, strings.TrimRight(cfg.BaseURL, "/")+"/v1/messages", anthropicRequest{
		Model:     req.Model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (anthropicWire) parse(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &ProviderError{Provider: "Anthropic", Message: "decode response", Err: err}
	}
	if len(resp.Content) == 0 {
		return "", &ProviderError{Provider: "Anthropic", Message: "response has no content blocks"}
	}
	return strings.TrimSpace(resp.Content[0].Text), nil
}

package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zulandar/parley/internal/config"
)

// defaultOpenAIText is used when a 2xx reply carries neither choices nor a
// top-level content field.
const defaultOpenAIText = "I'm having trouble formulating a response right now."

type openAIWire struct{}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content *string `json:"content"`
}

func (openAIWire) newRequest(ctx context.Context, cfg config.ProviderConfig, key string, req Request) (*http.Request, error) {
	system := strings.TrimSpace(req.System + " " + SentenceInstruction(req.SentenceCount))
	msgs := []openAIMessage{{Role: "system", Content: system}}
	for _, m := range tail(req.History, cfg.ContextMessages) {
		msgs = append(msgs, openAIMessage{Role: "user", Content: m.Sender + ": " + m.Content})
	}
	httpReq, err := postJSON(ctx, strings.TrimRight(cfg.BaseURL, "/")+"/v1/chat/completions", openAIRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	return httpReq, nil
}

func (openAIWire) parse(body []byte) (string, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &ProviderError{Provider: "OpenAI", Message: "decode response", Err: err}
	}
	switch {
	case len(resp.Choices) > 0:
		if m := resp.Choices[0].Message; m != nil && m.Content != nil {
			return *m.Content, nil
		}
		return "", nil
	case resp.Content != nil:
		return *resp.Content, nil
	default:
		return defaultOpenAIText, nil
	}
}

// Package responder calls the chat-completion backends that author responder
// messages and normalizes their heterogeneous replies into plain text.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Request is one generation call.
type Request struct {
	Provider      models.Provider
	Model         string
	System        string               // persona and topic
	History       []models.RoomMessage // oldest first
	SentenceCount int                  // 0 = unconstrained
	APIKey        string               // caller's key; empty falls back to the configured one
}

// Generator produces a responder message. Implementations return text, or
// one of ErrInvalidCredentials, ErrEmptyContent or *ProviderError.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// backend is one provider's wire protocol.
type backend interface {
	newRequest(ctx context.Context, cfg config.ProviderConfig, key string, req Request) (*http.Request, error)
	parse(body []byte) (string, error)
}

type provider struct {
	cfg     config.ProviderConfig
	limiter *rate.Limiter
	wire    backend
}

// Client implements Generator over HTTP.
type Client struct {
	http      *http.Client
	providers map[models.Provider]*provider
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// ClientOpts configures a Client.
type ClientOpts struct {
	Providers  config.ProvidersConfig
	HTTPClient *http.Client // optional; deadlines come from the request context
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewClient creates a Client for both backends.
func NewClient(opts ClientOpts) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: hc,
		providers: map[models.Provider]*provider{
			models.ProviderOpenAI:    newProvider(opts.Providers.OpenAI, openAIWire{}),
			models.ProviderAnthropic: newProvider(opts.Providers.Anthropic, anthropicWire{}),
		},
		metrics: opts.Metrics,
		log:     log.Named("responder"),
	}
}

func newProvider(cfg config.ProviderConfig, wire backend) *provider {
	p := &provider{cfg: cfg, wire: wire}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return p
}

// AllowsModel reports whether model is on the provider's allow-list.
func (c *Client) AllowsModel(p models.Provider, model string) bool {
	prov, ok := c.providers[p]
	if !ok {
		return false
	}
	for _, m := range prov.cfg.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Generate calls the backend named by req.Provider.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	prov, ok := c.providers[req.Provider]
	if !ok {
		return "", &ProviderError{Provider: string(req.Provider), Message: "unsupported provider"}
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = prov.cfg.APIKey
	}
	if key == "" {
		return "", fmt.Errorf("%w: no %s key", ErrInvalidCredentials, req.Provider)
	}

	start := time.Now()
	text, err := c.do(ctx, prov, key, req)
	c.metrics.ObserveBackend(string(req.Provider), result(err), time.Since(start))
	if err != nil {
		c.log.Debug("backend call failed",
			zap.String("provider", string(req.Provider)),
			zap.String("model", req.Model),
			zap.Error(err))
	}
	return text, err
}

func (c *Client) do(ctx context.Context, prov *provider, key string, req Request) (string, error) {
	name := string(req.Provider)
	if prov.limiter != nil {
		if err := prov.limiter.Wait(ctx); err != nil {
			return "", &ProviderError{Provider: name, Message: "rate limit wait", Err: err}
		}
	}

	httpReq, err := prov.wire.newRequest(ctx, prov.cfg, key, req)
	if err != nil {
		return "", &ProviderError{Provider: name, Message: "build request", Err: err}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ProviderError{Provider: name, Status: resp.StatusCode, Message: "read body", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: %s returned %d", ErrInvalidCredentials, name, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", &ProviderError{Provider: name, Status: resp.StatusCode, Message: errorMessage(body)}
	}

	text, err := prov.wire.parse(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

// SentenceInstruction renders the exact-length constraint, or "".
func SentenceInstruction(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("Respond in exactly %d sentences.", n)
}

func postJSON(ctx context.Context, url string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// errorMessage extracts {"error":{"message":...}} which both backends use,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func tail(msgs []models.RoomMessage, n int) []models.RoomMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

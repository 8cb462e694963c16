package providers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/routewise/gateway/internal/models"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicDispatcher dispatches completions through the Anthropic Messages
// API.
type AnthropicDispatcher struct {
	name string
	cfg  models.ProviderConfig

	mu      sync.Mutex
	clients map[string]*anthropic.Client
}

func NewAnthropicDispatcher(name string, cfg models.ProviderConfig) *AnthropicDispatcher {
	return &AnthropicDispatcher{
		name:    name,
		cfg:     cfg,
		clients: make(map[string]*anthropic.Client),
	}
}

func (d *AnthropicDispatcher) Name() string { return d.name }

func (d *AnthropicDispatcher) client(baseURL string) *anthropic.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.clients[baseURL]; ok {
		return client
	}

	opts := []option.RequestOption{
		option.WithAPIKey(d.cfg.APIKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	for key, value := range d.cfg.Headers {
		opts = append(opts, option.WithHeader(key, value))
	}
	if d.cfg.TimeoutMs > 0 {
		httpClient := &http.Client{Timeout: time.Duration(d.cfg.TimeoutMs) * time.Millisecond}
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	client := anthropic.NewClient(opts...)
	d.clients[baseURL] = &client
	return &client
}

func (d *AnthropicDispatcher) Dispatch(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	message, err := d.client(baseURL).Messages.New(ctx, params)
	latency := time.Since(start)

	if err != nil {
		fiberlog.Warnf("Dispatch: %s request failed after %v: %v", d.name, latency, err)
		return nil, models.NewProviderError(d.name, "message request failed", err)
	}

	var content string
	for _, block := range message.Content {
		if text := block.AsText(); text.Text != "" {
			content += text.Text
		}
	}

	return &Response{
		Provider: d.name,
		Model:    string(message.Model),
		Content:  content,
		Usage: Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

package providers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/routewise/gateway/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/openai/openai-go/v2"
	openaiOption "github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIDispatcher dispatches completions through the OpenAI-compatible API.
// It also serves any provider exposing that surface behind a custom BaseURL.
type OpenAIDispatcher struct {
	name string
	cfg  models.ProviderConfig

	mu      sync.Mutex
	clients map[string]*openai.Client // keyed by base URL
}

func NewOpenAIDispatcher(name string, cfg models.ProviderConfig) *OpenAIDispatcher {
	return &OpenAIDispatcher{
		name:    name,
		cfg:     cfg,
		clients: make(map[string]*openai.Client),
	}
}

func (d *OpenAIDispatcher) Name() string { return d.name }

func (d *OpenAIDispatcher) client(baseURL string) *openai.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.clients[baseURL]; ok {
		return client
	}

	opts := []openaiOption.RequestOption{
		openaiOption.WithAPIKey(d.cfg.APIKey),
	}
	if baseURL != "" {
		opts = append(opts, openaiOption.WithBaseURL(baseURL))
	}
	for key, value := range d.cfg.Headers {
		opts = append(opts, openaiOption.WithHeader(key, value))
	}
	if d.cfg.TimeoutMs > 0 {
		httpClient := &http.Client{Timeout: time.Duration(d.cfg.TimeoutMs) * time.Millisecond}
		opts = append(opts, openaiOption.WithHTTPClient(httpClient))
	}

	client := openai.NewClient(opts...)
	d.clients[baseURL] = &client
	return &client
}

func (d *OpenAIDispatcher) Dispatch(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}

	start := time.Now()
	completion, err := d.client(baseURL).Chat.Completions.New(ctx, params)
	latency := time.Since(start)

	if err != nil {
		fiberlog.Warnf("Dispatch: %s request failed after %v: %v", d.name, latency, err)
		return nil, models.NewProviderError(d.name, "chat completion request failed", err)
	}
	if len(completion.Choices) == 0 {
		return nil, models.NewProviderError(d.name, "empty completion response", nil)
	}

	return &Response{
		Provider: d.name,
		Model:    completion.Model,
		Content:  completion.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

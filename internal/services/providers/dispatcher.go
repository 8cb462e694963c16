package providers

import (
	"context"
	"fmt"

	"github.com/routewise/gateway/internal/models"
)

// Request is the provider-neutral completion request handed to a transport.
type Request struct {
	Model     string
	Prompt    string
	System    string
	MaxTokens int64
}

// Usage carries the token counts reported by the upstream.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the provider-neutral completion result.
type Response struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Content   string  `json:"content"`
	Usage     Usage   `json:"usage"`
	LatencyMs float64 `json:"latency_ms"`
}

// Dispatcher is the capability interface for one upstream transport. The
// router depends only on this, never on concrete provider types. Dispatch
// must honor ctx cancellation and deadline.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, baseURL string, req *Request) (*Response, error)
}

// New builds the transport for a configured provider.
func New(name string, cfg models.ProviderConfig) (Dispatcher, error) {
	switch cfg.Kind {
	case models.ProviderKindOpenAI:
		return NewOpenAIDispatcher(name, cfg), nil
	case models.ProviderKindAnthropic:
		return NewAnthropicDispatcher(name, cfg), nil
	case models.ProviderKindGemini:
		return NewGeminiDispatcher(name, cfg), nil
	default:
		return nil, models.NewValidationError(fmt.Sprintf("unknown provider kind %q for %s", cfg.Kind, name), nil)
	}
}

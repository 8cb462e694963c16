package providers

import (
	"context"
	"sync"
	"time"

	"github.com/routewise/gateway/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"google.golang.org/genai"
)

// GeminiDispatcher dispatches completions through the Gemini API. The genai
// client is created lazily because construction requires a context.
type GeminiDispatcher struct {
	name string
	cfg  models.ProviderConfig

	once      sync.Once
	client    *genai.Client
	clientErr error
}

func NewGeminiDispatcher(name string, cfg models.ProviderConfig) *GeminiDispatcher {
	return &GeminiDispatcher{name: name, cfg: cfg}
}

func (d *GeminiDispatcher) Name() string { return d.name }

func (d *GeminiDispatcher) getClient(ctx context.Context) (*genai.Client, error) {
	d.once.Do(func() {
		d.client, d.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  d.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if d.clientErr != nil {
		return nil, models.NewProviderError(d.name, "failed to create client", d.clientErr)
	}
	return d.client, nil
}

func (d *GeminiDispatcher) Dispatch(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var config *genai.GenerateContentConfig
	if req.System != "" || req.MaxTokens > 0 {
		config = &genai.GenerateContentConfig{}
		if req.System != "" {
			config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
		}
		if req.MaxTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), config)
	latency := time.Since(start)

	if err != nil {
		fiberlog.Warnf("Dispatch: %s request failed after %v: %v", d.name, latency, err)
		return nil, models.NewProviderError(d.name, "generate request failed", err)
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		Provider:  d.name,
		Model:     req.Model,
		Content:   resp.Text(),
		Usage:     usage,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

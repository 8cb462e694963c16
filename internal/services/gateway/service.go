package gateway

import (
	"context"

	"github.com/routewise/gateway/internal/models"
	"github.com/routewise/gateway/internal/services/providers"
	"github.com/routewise/gateway/internal/services/ratelimit"
	"github.com/routewise/gateway/internal/services/router"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// Service is the request-path facade: admission control first, then the
// fallback-chain router. One instance serves all HTTP handlers.
type Service struct {
	limiter *ratelimit.Limiter
	router  *router.Router
}

func New(limiter *ratelimit.Limiter, r *router.Router) *Service {
	return &Service{limiter: limiter, router: r}
}

// Complete runs one completion request end to end: rate-limit admission for
// the caller's key, then the routed dispatch. The returned request ID tags
// every log line for the request.
func (s *Service) Complete(ctx context.Context, key models.RateLimitKey, req *providers.Request) (*providers.Response, string, error) {
	requestID := uuid.NewString()
	fiberlog.Infof("[%s] completion request from %s (model %s)", requestID, key.String(), req.Model)

	if err := s.limiter.Admit(ctx, key, EstimateTokens(req)); err != nil {
		fiberlog.Infof("[%s] rejected by rate limiter", requestID)
		return nil, requestID, err
	}

	resp, err := s.router.Route(ctx, req, requestID)
	if err != nil {
		return nil, requestID, err
	}
	return resp, requestID, nil
}

// EstimateTokens approximates the token cost of a request before dispatch.
// Prompt plus system text at roughly four characters per token, plus the
// requested output budget.
func EstimateTokens(req *providers.Request) int64 {
	estimate := int64(len(req.Prompt)+len(req.System)) / 4
	estimate += req.MaxTokens
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router selects a provider per request by model-name prefix. Claude
// models route to Anthropic; everything else falls through to the
// OpenAI-compatible provider when configured.
type Router struct {
	anthropic Provider
	openai    Provider
}

// NewRouter builds a router. Either provider may be nil; requests that
// route to a missing provider fail with a clear error.
func NewRouter(anthropicProvider, openaiProvider Provider) *Router {
	return &Router{anthropic: anthropicProvider, openai: openaiProvider}
}

// Name returns "router".
func (r *Router) Name() string { return "router" }

// Complete dispatches to the provider that serves the request's model.
func (r *Router) Complete(ctx context.Context, req *Request) (*Completion, error) {
	provider := r.pick(req.Config.Model)
	if provider == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Config.Model)
	}
	return provider.Complete(ctx, req)
}

func (r *Router) pick(model string) Provider {
	if strings.HasPrefix(model, "claude") {
		return r.anthropic
	}
	if r.openai != nil {
		return r.openai
	}
	return r.anthropic
}

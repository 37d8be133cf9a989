package handler

import (
	"context"
	"fmt"

	"github.com/angeloszaimis/llm-gateway/internal/upstream"
)

// ProviderProxy routes each agent to its configured provider.
type ProviderProxy struct {
	providers *upstream.Registry
	agents    map[string]string
	path      string
}

// NewProviderProxy maps agent IDs to provider names in providers.
func NewProviderProxy(providers *upstream.Registry, agents map[string]string) *ProviderProxy {
	copied := make(map[string]string, len(agents))
	for agent, provider := range agents {
		copied[agent] = provider
	}
	return &ProviderProxy{providers: providers, agents: copied, path: EndpointChatCompletions}
}

func (p *ProviderProxy) Target(agentID string) (string, bool) {
	name, ok := p.agents[agentID]
	if !ok {
		return "", false
	}
	_, ok = p.providers.Get(name)
	return name, ok
}

func (p *ProviderProxy) Forward(ctx context.Context, target string, body []byte) (*upstream.Response, error) {
	provider, ok := p.providers.Get(target)
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", target)
	}
	return provider.Complete(ctx, upstream.Request{Path: p.path, Body: body})
}

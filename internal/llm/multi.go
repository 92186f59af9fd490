package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// MultiClient routes each call to the provider registered for its model.
// Models without a route go to the fallback client. Registration is not
// synchronized; finish it before the first Chat.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unrouted models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel routes a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	return slices.Sorted(maps.Keys(m.clients))
}

// Route reports the provider a model is sent to, or "" when the model
// falls through to the fallback client.
func (m *MultiClient) Route(model string) string {
	if provider, ok := m.models[model]; ok {
		if _, ok := m.clients[provider]; ok {
			return provider
		}
	}
	return ""
}

func (m *MultiClient) clientFor(model string) Client {
	if provider := m.Route(model); provider != "" {
		return m.clients[provider]
	}
	return m.fallback
}

// Chat sends the request to the model's provider.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools, choice)
}

// ChatStream sends the request to the model's provider, streaming
// tokens when that provider can.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, choice ToolChoice, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return ChatStream(ctx, client, model, messages, tools, choice, callback)
}

// Ping checks every registered provider and reports all failures.
// With no providers registered it pings the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 {
		if m.fallback != nil {
			return m.fallback.Ping(ctx)
		}
		return errors.New("no provider configured")
	}
	var errs []error
	for _, name := range m.Providers() {
		if err := m.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

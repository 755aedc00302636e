package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider names.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ollamaPrefix forces a model onto the Ollama provider. It is stripped
// before the request is sent.
const ollamaPrefix = "ollama/"

// MultiClient routes requests to the appropriate provider based on model name.
//
// Resolution order: an explicit model mapping, then name prefixes
// ("ollama/", "claude", "gpt"/"o1"/"o3"/"o4"), then the fallback.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Provider reports which registered provider would serve model, or ""
// when the fallback would.
func (m *MultiClient) Provider(model string) string {
	name, _ := m.route(model)
	return name
}

// route picks the provider name and the model name to send to it.
func (m *MultiClient) route(model string) (string, string) {
	if provider, ok := m.models[model]; ok {
		if _, ok := m.clients[provider]; ok {
			return provider, strings.TrimPrefix(model, ollamaPrefix)
		}
	}

	lower := strings.ToLower(model)
	var provider string
	switch {
	case strings.HasPrefix(lower, ollamaPrefix):
		provider = ProviderOllama
		model = model[len(ollamaPrefix):]
	case strings.HasPrefix(lower, "claude"):
		provider = ProviderAnthropic
	case strings.HasPrefix(lower, "gpt"),
		strings.HasPrefix(lower, "chatgpt"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		provider = ProviderOpenAI
	}
	if _, ok := m.clients[provider]; ok {
		return provider, model
	}
	return "", model
}

// clientFor returns the appropriate client for a model and the model
// name that client expects.
func (m *MultiClient) clientFor(model string) (Client, string, error) {
	provider, name := m.route(model)
	if provider != "" {
		return m.clients[provider], name, nil
	}
	if m.fallback == nil {
		return nil, "", fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, name, nil
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, name, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, name, messages, tools)
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, name, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, name, messages, tools, callback)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	seen := make(map[Client]bool)
	for name, c := range m.clients {
		seen[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil && !seen[m.fallback] {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Ollama returns the registered Ollama client, if any, for model
// listing.
func (m *MultiClient) Ollama() (*OllamaClient, bool) {
	c, ok := m.clients[ProviderOllama].(*OllamaClient)
	return c, ok
}

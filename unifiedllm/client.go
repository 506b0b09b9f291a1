package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler completes a request.
type Handler func(ctx context.Context, req Request) (*Response, error)

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// Client routes requests to provider adapters through a middleware chain.
type Client struct {
	mu              sync.RWMutex
	adapters        map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

type ClientOption func(*Client)

func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.adapters[name] = adapter }
}

// WithDefaultProvider names the adapter used by requests without a
// provider.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware; the first one added runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultProvider = name
		}
	}
	return c
}

// APIKeyEnv names the environment variable holding each provider's key.
var APIKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// NewClientFromEnv registers a gollm adapter for every provider whose API
// key is set.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	for provider, env := range APIKeyEnv {
		key := os.Getenv(env)
		if key == "" {
			continue
		}
		if adapter, err := NewGollmAdapter(provider, key); err == nil {
			c.RegisterProvider(provider, adapter)
		}
	}
	return c
}

func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[name] = adapter
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// adapterFor picks the request's provider, then the default, then the
// catalog owner of the model, then the only registered adapter.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if m, ok := Lookup(req.Model); ok {
			name = m.Provider
		}
	}
	if name == "" && len(c.adapters) == 1 {
		for only := range c.adapters {
			name = only
		}
	}
	if name == "" {
		return nil, ErrNoProvider
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrNoProvider, name)
	}
	return adapter, nil
}

// Complete sends req through the middleware chain to its adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	c.mu.RLock()
	var chain Handler = adapter.Complete
	for i := len(c.middleware) - 1; i >= 0; i-- {
		chain = c.middleware[i](chain)
	}
	c.mu.RUnlock()

	return chain(ctx, req)
}

// Close closes every adapter that implements io.Closer.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// LoggingMiddleware logs each call with its latency and token usage.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			event := logger.Debug()
			if err != nil {
				event = logger.Warn().Err(err).Str("kind", string(KindOf(err)))
			}
			event = event.
				Str("provider", req.Provider).
				Str("model", req.Model).
				Int("messages", len(req.Messages)).
				Int("tools", len(req.Tools)).
				Dur("latency", time.Since(start))
			if resp != nil {
				event = event.
					Int("input_tokens", resp.Usage.InputTokens).
					Int("output_tokens", resp.Usage.OutputTokens).
					Str("finish_reason", resp.FinishReason)
			}
			event.Msg("llm request")
			return resp, err
		}
	}
}

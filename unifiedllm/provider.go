package unifiedllm

import "context"

// ProviderAdapter sends a request to one provider and returns its complete
// response. Adapters that hold resources may also implement io.Closer.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

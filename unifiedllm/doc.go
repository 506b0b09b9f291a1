// Package unifiedllm is the model transport used by the agent core. It presents
// a provider-agnostic, synchronous request/response interface on top of the
// gollm library (github.com/teilomillet/gollm).
//
// # Architecture
//
//   - ProviderAdapter: the contract every provider backend implements.
//   - Client: routes requests to a registered adapter through a chain of
//     Middleware, each a func(Handler) Handler (retry, logging).
//   - ProviderError: one error type carrying an ErrorKind; IsRetryable
//     decides from the kind.
//   - Catalog: known models and their context windows.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// The client holds no process-wide state; callers construct one per
// application and pass it to the sessions that need it.
package unifiedllm

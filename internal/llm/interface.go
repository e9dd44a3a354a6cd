package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is minimal subset of openai.Client used by the transport; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Transport issues exactly one completion request per call. Failures are
// reported as *Failure so callers can decide on retries by Kind alone.
type Transport interface {
	Complete(ctx context.Context, req Request) (string, error)
}

package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// ChatCompleter is the subset of openai.Client the provider uses; it is easy to mock in tests.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

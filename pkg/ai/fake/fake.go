// Package fake provides a scripted ai.Oracle for tests. Every core
// behavior is driven through it; no test makes a live call.
package fake

import (
	"context"
	"sync"

	"github.com/commonsmap/pulse/pkg/ai"
)

// Oracle is a scripted ai.Oracle. Each hook, when set, handles the
// corresponding call; unset hooks return zero values. Calls are counted
// so tests can assert how much oracle work a path performed.
type Oracle struct {
	CompletionFn func(prompt string, opts ai.GenerateOptions) (string, error)
	FormatFn     func(name, prompt string, out any, opts ai.GenerateOptions) error
	ChatFn       func(messages []ai.ChatMessage, tools []ai.Tool, opts ai.GenerateOptions) (string, error)
	EmbeddingFn  func(input []byte) ([]float32, error)

	mu              sync.Mutex
	CompletionCalls int
	FormatCalls     int
	ChatCalls       int
	EmbeddingCalls  int
}

func applyOpts(opts []ai.GenerateOption) ai.GenerateOptions {
	var o ai.GenerateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (f *Oracle) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.mu.Lock()
	f.EmbeddingCalls++
	f.mu.Unlock()
	if f.EmbeddingFn != nil {
		return f.EmbeddingFn(input)
	}
	return make([]float32, 8), nil
}

func (f *Oracle) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	f.mu.Lock()
	f.CompletionCalls++
	f.mu.Unlock()
	if f.CompletionFn != nil {
		return f.CompletionFn(prompt, applyOpts(opts))
	}
	return "", nil
}

func (f *Oracle) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	f.mu.Lock()
	f.FormatCalls++
	f.mu.Unlock()
	if f.FormatFn != nil {
		return f.FormatFn(name, prompt, out, applyOpts(opts))
	}
	return nil
}

func (f *Oracle) GenerateChatWithTools(
	ctx context.Context,
	messages []ai.ChatMessage,
	tools []ai.Tool,
	opts ...ai.GenerateOption,
) (string, error) {
	f.mu.Lock()
	f.ChatCalls++
	f.mu.Unlock()
	if f.ChatFn != nil {
		return f.ChatFn(messages, tools, applyOpts(opts))
	}
	return "", nil
}

func (f *Oracle) ResetMetrics() {}

func (f *Oracle) GetMetrics() ai.ModelMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ai.ModelMetrics{
		Requests: f.CompletionCalls + f.FormatCalls + f.ChatCalls + f.EmbeddingCalls,
	}
}

// RunTool finds a tool by name and invokes its handler; tests use it to
// emulate the model calling tools during a scripted conversation.
func RunTool(ctx context.Context, tools []ai.Tool, name, arguments string) (string, bool, error) {
	for _, tool := range tools {
		if tool.Name == name {
			res, err := tool.Handler(ctx, arguments)
			return res, true, err
		}
	}
	return "", false, nil
}

package ai

import (
	"context"
	"errors"
)

// ErrMalformedOutput indicates the oracle returned typed output that could
// not be parsed even after repair. Callers discard the whole finding; a
// structurally broken result is never partially trusted.
var ErrMalformedOutput = errors.New("malformed oracle output")

// ToolHandler is a function that executes a tool call and returns its result.
// The arguments parameter contains the JSON-encoded arguments from the model.
type ToolHandler func(ctx context.Context, arguments string) (string, error)

// Tool defines a function the oracle can call during a conversation.
type Tool struct {
	Name        string         // Unique identifier for the tool
	Description string         // Human-readable description of what the tool does
	Parameters  map[string]any // JSON Schema defining the tool's input parameters
	Handler     ToolHandler    // Function to execute when the tool is called
}

// ToolCall represents a request from the model to invoke a specific tool.
type ToolCall struct {
	ID        string // Unique identifier for this tool call
	Name      string // Name of the tool to invoke
	Arguments string // JSON-encoded arguments for the tool
}

// ChatMessage represents a single message in a chat conversation.
//
// Role must be one of:
//   - "user"      → a user-provided message
//   - "assistant" → a message from the model
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

// GenerateOptions holds configuration for oracle requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
	Thinking      string   // Extended thinking mode configuration
	MaxToolRounds int      // Cap on tool-call rounds in a conversation
}

// ModelMetrics contains cumulative usage metrics from oracle operations.
type ModelMetrics struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	TotalTokens  int   `json:"total_tokens"`
	DurationMs   int64 `json:"duration_ms"`
	Requests     int   `json:"requests"`
}

// GenerateOption is a functional option for configuring oracle requests.
type GenerateOption func(*GenerateOptions)

// WithModel sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts sets the system prompts prepended to the request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature sets the sampling temperature. Higher values produce more
// random outputs; lower values make outputs more deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking enables extended thinking mode. The parameter specifies the
// thinking budget or mode configuration.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// WithMaxToolRounds caps the number of tool-call rounds in a conversation.
// The investigation engine uses this to enforce per-target turn budgets.
func WithMaxToolRounds(n int) GenerateOption {
	return func(o *GenerateOptions) {
		o.MaxToolRounds = n
	}
}

// Embedder produces vector embeddings for arbitrary text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

// Oracle is the external language-model surface the core depends on. It is
// pure request/response; failures are retryable and budget-charged
// regardless of outcome. Every core behavior is testable against a
// scripted fake implementation, never a live call.
type Oracle interface {
	Embedder

	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)

	// GenerateCompletionWithFormat converts a prompt into typed output
	// constrained by a JSON schema derived from out.
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error

	// GenerateChatWithTools runs a bounded conversation in which the model
	// may invoke the provided tools; handlers are executed and their
	// results fed back until the model answers without tool calls or the
	// round cap is reached.
	GenerateChatWithTools(
		ctx context.Context,
		messages []ChatMessage,
		tools []Tool,
		opts ...GenerateOption,
	) (string, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}

package ai

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedOracle wraps an Oracle and throttles every request through a
// shared token-bucket limiter. Worker pools fan out over independent
// targets; without a shared limiter they would burst straight into
// provider rate limits.
type RateLimitedOracle struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewRateLimitedOracle wraps inner with a limiter of rps requests per
// second and the given burst. A non-positive rps disables throttling.
func NewRateLimitedOracle(inner Oracle, rps float64, burst int) *RateLimitedOracle {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimitedOracle{inner: inner, limiter: limiter}
}

func (r *RateLimitedOracle) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

func (r *RateLimitedOracle) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GenerateEmbedding(ctx, input)
}

func (r *RateLimitedOracle) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...GenerateOption,
) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.inner.GenerateCompletion(ctx, prompt, opts...)
}

func (r *RateLimitedOracle) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.inner.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...)
}

func (r *RateLimitedOracle) GenerateChatWithTools(
	ctx context.Context,
	messages []ChatMessage,
	tools []Tool,
	opts ...GenerateOption,
) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.inner.GenerateChatWithTools(ctx, messages, tools, opts...)
}

func (r *RateLimitedOracle) ResetMetrics() {
	r.inner.ResetMetrics()
}

func (r *RateLimitedOracle) GetMetrics() ModelMetrics {
	return r.inner.GetMetrics()
}

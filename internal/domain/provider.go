package domain

import (
	"context"
	"time"
)

// PromptParts is the system instruction plus the composed user prompt.
type PromptParts struct {
	System string
	User   string
}

// InferenceResult is the generated text and how long the successful call took.
type InferenceResult struct {
	Text    string
	Latency time.Duration
}

// LatencyMs returns the latency in fractional milliseconds.
func (r *InferenceResult) LatencyMs() float64 {
	return float64(r.Latency) / float64(time.Millisecond)
}

// Generator is the LLM backend as seen by the bridge.
type Generator interface {
	Generate(ctx context.Context, prompt PromptParts) (*InferenceResult, error)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meshbridge/internal/domain"
)

const (
	ollamaDefaultBase    = "http://localhost:11434"
	ollamaDefaultModel   = "mistral"
	ollamaDefaultTimeout = 30 * time.Second
	ollamaMaxRetries     = 3
	ollamaDefaultBackoff = time.Second
)

// Ollama is the inference client for an Ollama server's /api/generate endpoint.
type Ollama struct {
	apiBase    string
	model      string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	client     *http.Client
	logger     *slog.Logger

	// sleep waits d between attempts; false means ctx ended first.
	sleep func(ctx context.Context, d time.Duration) bool
}

type OllamaConfig struct {
	APIBase    string
	Model      string
	Timeout    time.Duration // per attempt
	MaxRetries int           // total attempts
	Backoff    time.Duration // multiplied by the attempt number between attempts
	Logger     *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	return NewOllamaWithClient(cfg, SharedHTTPClient(0))
}

func NewOllamaWithClient(cfg OllamaConfig, client *http.Client) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ollamaDefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = ollamaMaxRetries
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = ollamaDefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		client:     client,
		logger:     cfg.Logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Model() string { return o.model }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// generateRequest matches the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response *string `json:"response"`
	Done     bool    `json:"done"`
}

// Generate sends the prompt and returns the model's text. Each attempt is one
// round trip bounded by the per-attempt timeout; after the last failed attempt
// the returned error wraps domain.ErrInferenceFailure and the last cause.
func (o *Ollama) Generate(ctx context.Context, prompt domain.PromptParts) (*domain.InferenceResult, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt.User,
		System: prompt.System,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := o.backoff * time.Duration(attempt-1)
			o.logger.Warn("retrying ollama request", "attempt", attempt, "backoff", backoff, "err", lastErr)
			if !o.sleep(ctx, backoff) {
				return nil, fmt.Errorf("%w: %w", domain.ErrInferenceFailure, ctx.Err())
			}
		}

		start := time.Now()
		text, err := o.attempt(ctx, body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return &domain.InferenceResult{Text: text, Latency: time.Since(start)}, nil
	}

	return nil, fmt.Errorf("%w: ollama request failed after %d attempts: %w",
		domain.ErrInferenceFailure, o.maxRetries, lastErr)
}

func (o *Ollama) attempt(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Response == nil {
		return "", fmt.Errorf("decode response: missing response field")
	}
	return *out.Response, nil
}

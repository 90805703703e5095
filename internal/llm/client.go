package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/secrets"
)

// apiKeyField is the Vault field holding the provider key.
const apiKeyField = "value"

// Client routes generation requests to the right provider path. It is safe
// for concurrent use; the underlying provider clients are constructed per
// call, which the SDKs make cheap.
type Client struct {
	cfg     config.LLMConfig
	secrets *secrets.Cache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewClient builds the provider-neutral client. The Anthropic key is pulled
// lazily from the secret cache on first use so that boot does not depend on
// Vault ordering.
func NewClient(cfg config.LLMConfig, cache *secrets.Cache, logger *observability.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		cfg:     cfg,
		secrets: cache,
		logger:  logger.Component("llm"),
		metrics: metrics,
	}
}

// Model returns the configured default model.
func (c *Client) Model() string { return c.cfg.Model }

// SummaryModel returns the model used for segment summarization.
func (c *Client) SummaryModel() string { return c.cfg.SummaryModel }

// MaxIterations returns the configured tool-loop bound.
func (c *Client) MaxIterations() int { return c.cfg.MaxIterations }

// GenerateResponse runs one generation request to completion. EndpointURL
// on the request selects the OpenAI-compatible path; otherwise the native
// Anthropic path runs.
func (c *Client) GenerateResponse(ctx context.Context, req Request) (*Response, error) {
	provider, model := c.route(req)
	start := time.Now()

	var resp *Response
	var err error
	if req.EndpointURL != "" {
		resp, err = c.generateOpenAICompat(ctx, req)
	} else {
		resp, err = c.generateAnthropic(ctx, req)
	}

	c.observe(ctx, provider, model, start, err)
	return resp, err
}

// StreamResponse runs one generation request with SSE streaming. The
// returned channel is closed after the Done (or Err) chunk. Errors that
// occur before the stream opens are returned directly.
func (c *Client) StreamResponse(ctx context.Context, req Request) (<-chan Chunk, error) {
	provider, model := c.route(req)
	start := time.Now()

	var chunks <-chan Chunk
	var err error
	if req.EndpointURL != "" {
		chunks, err = c.streamOpenAICompat(ctx, req)
	} else {
		chunks, err = c.streamAnthropic(ctx, req)
	}
	if err != nil {
		c.observe(ctx, provider, model, start, err)
		return nil, err
	}

	// Count the stream once it finishes, keeping the caller's loop simple.
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			out <- chunk
		}
		c.observe(ctx, provider, model, start, streamErr)
	}()
	return out, nil
}

// CompleteJSON runs a single-turn JSON-mode completion and returns the raw
// text. It serves the classifier-shaped callers: relationship typing,
// refinement decisions, consolidation merges and injection review.
func (c *Client) CompleteJSON(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	req := Request{
		System:         system,
		Model:          c.cfg.ClassifierModel,
		Temperature:    &temperature,
		ResponseFormat: "json_object",
	}
	userMsg, err := userTurn(prompt)
	if err != nil {
		return "", err
	}
	req.Messages = userMsg

	resp, err := c.GenerateResponse(ctx, req)
	if err != nil {
		return "", err
	}
	return ExtractTextContent(resp), nil
}

func (c *Client) route(req Request) (provider, model string) {
	if req.EndpointURL != "" {
		provider = "openai_compat"
	} else {
		provider = "anthropic"
	}
	model = req.Model
	if model == "" {
		model = c.cfg.Model
	}
	return provider, model
}

// apiKey resolves the key for a request: explicit override first, then the
// cached Anthropic key.
func (c *Client) apiKey(ctx context.Context, req Request) (string, error) {
	if req.APIKey != "" {
		return req.APIKey, nil
	}
	key, err := c.secrets.Get(ctx, c.cfg.APIKeyPath, apiKeyField)
	if err != nil {
		return "", fmt.Errorf("resolve llm api key: %w", err)
	}
	return key, nil
}

func (c *Client) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.cfg.MaxTokens
}

func (c *Client) temperature(req Request) (float64, bool) {
	if req.Temperature != nil {
		return *req.Temperature, true
	}
	if c.cfg.Temperature != 0 {
		return c.cfg.Temperature, true
	}
	return 0, false
}

func (c *Client) observe(ctx context.Context, provider, model string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordLLMRequest(provider, model, status, time.Since(start).Seconds())
	}
	log := c.logger.WithContext(ctx)
	if err != nil {
		log.Warn("llm request failed",
			"provider", provider,
			"model", model,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}
	log.Debug("llm request complete",
		"provider", provider,
		"model", model,
		"duration_ms", time.Since(start).Milliseconds())
}

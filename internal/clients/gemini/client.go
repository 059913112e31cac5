// Package gemini provides the Engine adapter wrapping the Google Gemini API.
// It implements the Worker's black-box model contract (§4.3): load a model,
// generate a completion for one prompt per call, report health, unload.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/ternarybob/batchllm/internal/common"
)

const (
	DefaultModel          = "gemini-2.0-flash"
	DefaultMaxURLs        = 20
	DefaultMaxContentSize = 34 * 1024 * 1024 // 34MB
)

// GenerateParams carries per-request sampling parameters from a batch input line.
type GenerateParams struct {
	Temperature     *float32
	MaxOutputTokens int32
	TopP            *float32
}

// GenerateResult is one request's outcome. Err is non-nil if the engine
// itself reported an error for this request (not a transport failure).
type GenerateResult struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	Err              error
}

// Client implements the Engine adapter over google.golang.org/genai.
//
// load/unload bracket a model's residency for a chunk of work; health
// reports whether the currently loaded model is still usable.
type Client struct {
	mu     sync.RWMutex
	client *genai.Client
	model  string
	loaded bool
	logger *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithModel sets the model name the client starts with. Generate and
// CurrentModel still treat the client as having no model until Load is
// called, and Load replaces the name (an empty name loads DefaultModel).
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Engine adapter.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Load marks model as the active model for subsequent Generate calls. The
// Gemini API is stateless per-request, so "loading" is bookkeeping only —
// the Worker still treats this as the hot-swap boundary for chunk sizing
// and heartbeat reporting (§4.3).
func (c *Client) Load(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if model == "" {
		model = DefaultModel
	}
	c.logger.Info().Str("model", model).Msg("loading model")
	c.model = model
	c.loaded = true
	return nil
}

// Unload clears the active model, forcing the next Generate to fail until
// Load is called again. Used when the worker drains before shutdown.
func (c *Client) Unload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info().Str("model", c.model).Msg("unloading model")
	c.loaded = false
	return nil
}

// Health reports whether the engine has a model loaded and ready.
func (c *Client) Health(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.loaded {
		return fmt.Errorf("no model loaded")
	}
	return nil
}

// CurrentModel returns the model name currently loaded, or empty if none.
func (c *Client) CurrentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return ""
	}
	return c.model
}

// Generate runs one inference request against the loaded model (§4.3 chunked
// processing calls this once per input line within a chunk).
func (c *Client) Generate(ctx context.Context, prompt string, params GenerateParams) (*GenerateResult, error) {
	c.mu.RLock()
	model := c.model
	loaded := c.loaded
	c.mu.RUnlock()

	if !loaded {
		return nil, fmt.Errorf("engine: no model loaded")
	}

	start := time.Now()
	contents := genai.Text(prompt)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: params.MaxOutputTokens,
	}
	if params.Temperature != nil {
		config.Temperature = params.Temperature
	}
	if params.TopP != nil {
		config.TopP = params.TopP
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("engine generate failed: %w", err)
	}

	text, err := extractTextFromResponse(result)
	c.logger.Debug().Str("model", model).Dur("elapsed", time.Since(start)).Msg("generate complete")
	if err != nil {
		return &GenerateResult{Err: err}, nil
	}

	var promptTokens, completionTokens int64
	if result.UsageMetadata != nil {
		promptTokens = int64(result.UsageMetadata.PromptTokenCount)
		completionTokens = int64(result.UsageMetadata.CandidatesTokenCount)
	}

	return &GenerateResult{
		Text:             text,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return nil
}

func extractTextFromResponse(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}

	return text, nil
}

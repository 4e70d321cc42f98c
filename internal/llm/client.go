package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/pkg/ratelimit"
)

const (
	defaultBaseURL    = "https://api.x.ai/v1"
	defaultModel      = "grok-4"
	defaultMaxRetries = 3
)

// backoffBase is a var so tests can shrink the retry delays.
var backoffBase = time.Second

// Config configures the structured-output client.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration // per-attempt HTTP timeout
	CacheDir string        // optional response cache
	// MaxConcurrent bounds in-flight completions; 0 disables the ceiling.
	MaxConcurrent int
}

// Request is one structured completion.
type Request struct {
	System      string
	User        string
	Schema      *Schema
	WebSearch   bool
	Temperature float64
	MaxRetries  int // 0 means the default
}

// Result carries the validated JSON output plus usage rollups aggregated
// across every attempt the call made.
type Result struct {
	Raw          json.RawMessage
	TokensUsed   int
	SourcesCount int
	Attempts     int
}

// Completer is the surface workers call; tests substitute their own.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint with
// json_schema structured output.
type Client struct {
	http    *resty.Client
	model   string
	limiter ratelimit.RateLimiter
	cache   *Cache
	log     *logrus.Entry
}

// New builds a client from config. A non-empty CacheDir enables the
// badger-backed replay cache.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetAuthToken(cfg.APIKey).
			SetHeader("Content-Type", "application/json"),
		model: cfg.Model,
		log:   logrus.WithField("component", "llm"),
	}
	if cfg.MaxConcurrent > 0 {
		c.limiter = ratelimit.NewTokenBucket(cfg.MaxConcurrent, cfg.MaxConcurrent)
	}
	if cfg.CacheDir != "" {
		cache, err := OpenCache(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(err, "open llm cache")
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the response cache, if one is open.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	SearchParams   *searchParams   `json:"search_parameters,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type searchParams struct {
	Mode string `json:"mode"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Citations []string `json:"citations"`
}

// Complete runs one structured completion. Transport failures back off
// exponentially with jitter; schema violations re-prompt with the
// validation error appended to the user message. Token usage accumulates
// across all attempts.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	cacheKey := ""
	if c.cache != nil {
		cacheKey = CacheKey(c.model, req.System, req.User, req.Schema)
		if raw, ok := c.cache.Get(cacheKey); ok {
			c.log.WithField("schema", schemaName(req.Schema)).Debug("cache hit")
			return &Result{Raw: raw}, nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, wrapCtxErr(err)
		}
	}

	result := &Result{}
	userMsg := req.User
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, wrapCtxErr(err)
			}
		}
		result.Attempts++

		raw, usage, err := c.doAttempt(ctx, req, userMsg)
		result.TokensUsed += usage.tokens
		if usage.sources > result.SourcesCount {
			result.SourcesCount = usage.sources
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, wrapCtxErr(ctx.Err())
			}
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt).Warn("completion attempt failed")
			continue
		}

		if err := req.Schema.validate(raw); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrSchemaViolation, err)
			// Feed the validation error back so the model can correct itself.
			userMsg = fmt.Sprintf("%s\n\nYour previous response was invalid: %v\nReturn corrected JSON that satisfies the schema.", req.User, err)
			c.log.WithError(err).WithField("attempt", attempt).Warn("schema validation failed, re-prompting")
			continue
		}

		result.Raw = raw
		if c.cache != nil {
			c.cache.Put(cacheKey, raw)
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrTransport
	}
	return result, lastErr
}

type attemptUsage struct {
	tokens  int
	sources int
}

func (c *Client) doAttempt(ctx context.Context, req Request, userMsg string) (json.RawMessage, attemptUsage, error) {
	body := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: userMsg},
		},
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaSpec{
				Name:   req.Schema.Name,
				Strict: true,
				Schema: req.Schema.Raw,
			},
		}
	}
	if req.WebSearch {
		body.SearchParams = &searchParams{Mode: "auto"}
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return nil, attemptUsage{}, errors.Wrapf(ErrTransport, "post chat/completions: %v", err)
	}
	usage := attemptUsage{tokens: out.Usage.TotalTokens, sources: len(out.Citations)}
	if resp.IsError() {
		return nil, usage, errors.Wrapf(ErrTransport, "provider returned %s: %s", resp.Status(), resp.String())
	}
	if len(out.Choices) == 0 {
		return nil, usage, errors.Wrap(ErrTransport, "provider returned no choices")
	}

	content := out.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, usage, fmt.Errorf("%w: response is not valid JSON", ErrSchemaViolation)
	}
	return json.RawMessage(content), usage, nil
}

// sleepBackoff waits base*2^(attempt-1) plus up to one base of jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase<<(attempt-1) + time.Duration(rand.Int63n(int64(backoffBase)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func schemaName(s *Schema) string {
	if s == nil {
		return ""
	}
	return s.Name
}

package generate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseSize bounds the provider response body read.
const maxResponseSize = 10 * 1024 * 1024

// Client is an HTTP Generator over the configured providers. Retries are the
// bus's job; the client classifies each failure as transient or fatal and
// returns immediately.
type Client struct {
	httpClient *http.Client
	providers  map[string]provider
	baseURLs   map[string]string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithBaseURL overrides a provider's endpoint; used in tests and for proxies.
func WithBaseURL(providerName, url string) ClientOption {
	return func(client *Client) { client.baseURLs[providerName] = url }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient builds a Generator over the OpenAI and Anthropic APIs.
func NewClient(openaiKey, anthropicKey string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		providers: map[string]provider{
			"openai":    &openaiProvider{apiKey: openaiKey},
			"anthropic": &anthropicProvider{apiKey: anthropicKey},
		},
		baseURLs: make(map[string]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// actionFor derives the routing action from the request shape.
func actionFor(req Request) string {
	if !req.IsRegen {
		return ActionCreate
	}
	if req.RegenType == "full" {
		return ActionRegenFull
	}
	return ActionRegenTargeted
}

// Generate resolves the route, calls the provider once, and parses variants.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	route := ResolveRoute(req.Plan, actionFor(req))
	p, ok := c.providers[route.Provider]
	if !ok {
		return nil, NewFatalError(fmt.Errorf("no adapter for provider %s", route.Provider))
	}

	system, user := BuildMessages(req)
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	body, err := p.BuildRequestBody(route.Model, system, user, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := p.BuildURL(c.baseURLs[route.Provider])
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.SetHeaders(httpReq)

	c.logger.Debug("provider request",
		"provider", route.Provider,
		"model", route.Model,
		"variant_count", req.VariantCount,
		"lane", req.Lane)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network failures and context deadline both land here; retryable.
		return nil, NewTransientError(fmt.Errorf("provider request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read provider response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(route.Provider, httpResp.StatusCode, respBody)
	}

	content, usage, truncated, err := p.ParseResponse(respBody)
	if err != nil {
		return nil, NewTransientError(err)
	}
	if truncated {
		// The model stopped on the output token cap. A retry samples against
		// the same cap, so this failure is terminal.
		return nil, NewFatalError(fmt.Errorf("%s output truncated at the %d token cap", route.Provider, maxTokens))
	}
	variants, err := parseVariants(content, req.VariantCount)
	if err != nil {
		// Malformed model output usually recovers on a fresh sample.
		return nil, NewTransientError(err)
	}

	return &Result{Variants: variants, Model: route.Model, Usage: usage}, nil
}

// classifyHTTPError splits provider HTTP failures into transient and fatal.
func classifyHTTPError(providerName string, statusCode int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	err := fmt.Errorf("%s API error (status %d): %s", providerName, statusCode, snippet)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

package generate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// provider adapts one upstream LLM API: endpoint, auth, request shape, and
// response parsing. ParseResponse reports truncated=true when the model
// stopped on the output token cap; that output is incomplete by definition
// and a retry would hit the same cap.
type provider interface {
	Name() string
	BuildURL(baseURL string) string
	SetHeaders(req *http.Request)
	BuildRequestBody(model, system, user string, maxTokens int) ([]byte, error)
	ParseResponse(body []byte) (content string, usage TokenUsage, truncated bool, err error)
}

// openaiProvider speaks the chat completions API.
type openaiProvider struct {
	apiKey string
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(baseURL, "/") + "/chat/completions"
}

func (p *openaiProvider) SetHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openaiProvider) BuildRequestBody(model, system, user string, maxTokens int) ([]byte, error) {
	return json.Marshal(openaiRequest{
		Model: model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
}

func (p *openaiProvider) ParseResponse(body []byte) (string, TokenUsage, bool, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", TokenUsage{}, false, fmt.Errorf("parse openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", TokenUsage{}, false, fmt.Errorf("openai response has no choices")
	}
	usage := TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	truncated := resp.Choices[0].FinishReason == "length"
	return resp.Choices[0].Message.Content, usage, truncated, nil
}

// anthropicProvider speaks the messages API.
type anthropicProvider struct {
	apiKey string
}

const anthropicVersion = "2023-06-01"

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (p *anthropicProvider) SetHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) BuildRequestBody(model, system, user string, maxTokens int) ([]byte, error) {
	return json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	})
}

func (p *anthropicProvider) ParseResponse(body []byte) (string, TokenUsage, bool, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", TokenUsage{}, false, fmt.Errorf("parse anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", TokenUsage{}, false, fmt.Errorf("anthropic response has no text content")
	}
	usage := TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return text.String(), usage, resp.StopReason == "max_tokens", nil
}

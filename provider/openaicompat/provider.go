// Package openaicompat implements parley.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, xAI, Perplexity, Google's OpenAI-compatible endpoint,
// OpenRouter, Groq, Ollama, vLLM, and any other provider that implements the
// OpenAI chat completions API.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/parley"
)

// Base URLs for the OpenAI-compatible endpoints the resolver knows about.
const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	XAIBaseURL        = "https://api.x.ai/v1"
	PerplexityBaseURL = "https://api.perplexity.ai"
	GeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// Provider implements parley.Provider over the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	name    string
	client  *http.Client
}

var _ parley.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported by Name (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. OpenAIBaseURL, "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// chatBody is the wire request.
type chatBody struct {
	Model       string               `json:"model"`
	Messages    []parley.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

// chatResponse is the wire response subset the engine needs.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req parley.ChatRequest) (parley.ChatResponse, error) {
	payload, err := json.Marshal(chatBody{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.name, Kind: parley.KindInvalidRequest,
			Detail: fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.name, Kind: parley.KindInvalidRequest,
			Detail: fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return parley.ChatResponse{}, ctx.Err()
		}
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.name, Kind: parley.KindTransient,
			Detail: parley.MaskCredentials(err.Error()),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parley.ChatResponse{}, p.httpErr(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.name, Kind: parley.KindTransient,
			Detail: fmt.Sprintf("decode response: %v", err),
		}
	}
	if len(cr.Choices) == 0 {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.name, Kind: parley.KindTransient,
			Detail: "response has no choices",
		}
	}

	return parley.ChatResponse{
		Content: cr.Choices[0].Message.Content,
		Usage: parley.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

// httpErr reads the response body and classifies the failure by status,
// carrying the Retry-After hint when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &parley.ProviderError{
		Provider:   p.name,
		Kind:       parley.ClassifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		Detail:     parley.MaskCredentials(string(body)),
		RetryAfter: parley.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

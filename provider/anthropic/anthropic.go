// Package anthropic implements parley.Provider over the Anthropic Messages
// API. System messages are lifted into the request-level system field per the
// API contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nevindra/parley"
)

const (
	// DefaultBaseURL is Anthropic's public API base.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"

	// defaultMaxTokens applies when the request leaves MaxTokens unset;
	// the Messages API requires the field.
	defaultMaxTokens = 1024
)

// Provider implements parley.Provider for Anthropic models.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

var _ parley.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base (proxies, test servers).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an Anthropic chat provider.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

type messagesBody struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []parley.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming Messages API request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req parley.ChatRequest) (parley.ChatResponse, error) {
	body := messagesBody{
		Model:       p.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	// The Messages API takes system text out of band.
	var system []string
	for _, m := range req.Messages {
		if m.Role == parley.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	body.System = strings.Join(system, "\n\n")

	payload, err := json.Marshal(body)
	if err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.Name(), Kind: parley.KindInvalidRequest,
			Detail: fmt.Sprintf("marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.Name(), Kind: parley.KindInvalidRequest,
			Detail: fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return parley.ChatResponse{}, ctx.Err()
		}
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.Name(), Kind: parley.KindTransient,
			Detail: parley.MaskCredentials(err.Error()),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider:   p.Name(),
			Kind:       parley.ClassifyStatus(resp.StatusCode),
			Status:     resp.StatusCode,
			Detail:     parley.MaskCredentials(string(raw)),
			RetryAfter: parley.ParseRetryAfter(resp.Header.Get("retry-after")),
		}
	}

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return parley.ChatResponse{}, &parley.ProviderError{
			Provider: p.Name(), Kind: parley.KindTransient,
			Detail: fmt.Sprintf("decode response: %v", err),
		}
	}

	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parley.ChatResponse{
		Content: text.String(),
		Usage: parley.Usage{
			InputTokens:  mr.Usage.InputTokens,
			OutputTokens: mr.Usage.OutputTokens,
		},
	}, nil
}

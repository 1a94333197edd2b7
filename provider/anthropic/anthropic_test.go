package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/parley"
)

func TestChatLiftsSystemMessages(t *testing.T) {
	var gotBody messagesBody
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "certainly, "},
				{"type": "text", "text": "here you go"},
			},
			"usage": map[string]any{"input_tokens": 20, "output_tokens": 6},
		})
	}))
	defer srv.Close()

	p := New("test-key", "test-model", WithBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), parley.ChatRequest{
		Messages: []parley.ChatMessage{
			parley.SystemMessage("You are Alice."),
			parley.SystemMessage("Topic: testing. Begin."),
			parley.UserMessage("hello"),
			parley.AssistantMessage("hi"),
		},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotKey != "test-key" || gotVersion == "" {
		t.Errorf("headers: key=%q version=%q", gotKey, gotVersion)
	}
	if gotBody.System != "You are Alice.\n\nTopic: testing. Begin." {
		t.Errorf("system = %q", gotBody.System)
	}
	if len(gotBody.Messages) != 2 {
		t.Fatalf("messages = %+v", gotBody.Messages)
	}
	if gotBody.Messages[0].Role != parley.RoleUser || gotBody.Messages[1].Role != parley.RoleAssistant {
		t.Errorf("roles = %+v", gotBody.Messages)
	}
	if gotBody.MaxTokens != 64 {
		t.Errorf("max_tokens = %d", gotBody.MaxTokens)
	}

	if resp.Content != "certainly, here you go" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatDefaultsMaxTokens(t *testing.T) {
	var gotBody messagesBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer srv.Close()

	p := New("k", "m", WithBaseURL(srv.URL))
	if _, err := p.Chat(context.Background(), parley.ChatRequest{
		Messages: []parley.ChatMessage{parley.UserMessage("hi")},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotBody.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", gotBody.MaxTokens, defaultMaxTokens)
	}
}

func TestChatErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("k", "m", WithBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), parley.ChatRequest{
		Messages: []parley.ChatMessage{parley.UserMessage("hi")},
	})
	if parley.KindOf(err) != parley.KindTransient {
		t.Errorf("kind = %v", parley.KindOf(err))
	}
	if !parley.IsRetriable(err) {
		t.Error("503 must be retriable")
	}
	if p.Name() != "anthropic" {
		t.Errorf("name = %q", p.Name())
	}
}

package parley

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	stub := &stubProvider{queue: []stubResult{
		{err: &ProviderError{Provider: "stub", Kind: KindRateLimited, Status: 429}},
		{err: &ProviderError{Provider: "stub", Kind: KindTransient, Status: 503}},
		{content: "finally", usage: Usage{InputTokens: 3, OutputTokens: 2}},
	}}

	p := WithRetry(stub, RetryBackoff(fastBackoff()))
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("content = %q", resp.Content)
	}
	if stub.callCount() != 3 {
		t.Errorf("calls = %d, want 3", stub.callCount())
	}
	if p.Name() != "stub" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	authErr := &ProviderError{Provider: "stub", Kind: KindAuth, Status: 401}
	stub := &stubProvider{queue: []stubResult{{err: authErr}}}

	p := WithRetry(stub, RetryBackoff(fastBackoff()))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, auth errors must not retry", stub.callCount())
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	stub := &stubProvider{gen: func(int) stubResult {
		return stubResult{err: &ProviderError{Provider: "stub", Kind: KindTransient, Status: 503}}
	}}

	p := WithRetry(stub, RetryMaxAttempts(4), RetryBackoff(fastBackoff()))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if KindOf(err) != KindTransient {
		t.Fatalf("err = %v", err)
	}
	if stub.callCount() != 4 {
		t.Errorf("calls = %d, want 4", stub.callCount())
	}
}

func TestWithRetryHonorsRetryAfterFloor(t *testing.T) {
	stub := &stubProvider{queue: []stubResult{
		{err: &ProviderError{Provider: "stub", Kind: KindRateLimited, Status: 429, RetryAfter: 40 * time.Millisecond}},
		{content: "ok"},
	}}

	p := WithRetry(stub, RetryBackoff(fastBackoff()))
	start := time.Now()
	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("retried after %v, Retry-After floor not honored", elapsed)
	}
}

func TestWithRetryTimeoutBoundsSequence(t *testing.T) {
	stub := &stubProvider{gen: func(int) stubResult {
		return stubResult{
			delay: 20 * time.Millisecond,
			err:   &ProviderError{Provider: "stub", Kind: KindTransient, Status: 503},
		}
	}}

	p := WithRetry(stub, RetryMaxAttempts(100),
		RetryBackoff(fastBackoff()), RetryTimeout(50*time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if stub.callCount() >= 100 {
		t.Errorf("calls = %d, timeout did not bound the sequence", stub.callCount())
	}
}

package parley

import (
	"context"
	"strings"
	"testing"
	"time"
)

// seededTranscript returns a transcript where Bob spoke last, so Alice owns
// the next turn.
func seededTranscript(t *testing.T) *memTranscript {
	t.Helper()
	ctx := context.Background()
	m := newMemTranscript()
	empty := ""
	if _, err := m.Append(ctx, AppendRequest{
		Sender: SeedSender, Content: "Topic: testing. Begin.", ExpectLastSender: &empty,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := m.Append(ctx, AppendRequest{
		Sender: "Bob", Content: "harbor cranes unload cargo before dawn shifts",
	}); err != nil {
		t.Fatalf("peer message: %v", err)
	}
	return m
}

func testAgent(tr Transcript, p Provider, maxTurns int) *Agent {
	return NewAgent(tr, AgentConfig{
		Name:        "Alice",
		Provider:    p,
		Model:       "test-model",
		Topic:       "testing",
		Peers:       []string{"Bob"},
		MaxTurns:    maxTurns,
		Timeout:     30 * time.Second,
		CallTimeout: 5 * time.Second,
		MaxRetries:  3,
		Backoff:     fastBackoff(),
	})
}

func TestAgentAppendsAndStopsAtMaxTurns(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{queue: []stubResult{
		{content: phraseFor(0), usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}}

	reason, err := testAgent(tr, p, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonMaxTurns {
		t.Fatalf("reason = %q, want %q", reason, ReasonMaxTurns)
	}

	dump, _ := tr.Load(context.Background())
	last := dump.Messages[len(dump.Messages)-1]
	if last.Sender != "Alice" {
		t.Fatalf("last sender = %q, want Alice", last.Sender)
	}
	if last.Content != phraseFor(0) {
		t.Fatalf("content = %q", last.Content)
	}
	if last.Metadata[MetaModel] != "test-model" {
		t.Errorf("model metadata = %v", last.Metadata[MetaModel])
	}
	if last.Metadata[MetaTokens] != 15 {
		t.Errorf("tokens metadata = %v, want 15", last.Metadata[MetaTokens])
	}
	if fp, _ := last.Metadata[MetaFingerprint].(string); fp != Fingerprint(phraseFor(0)) {
		t.Errorf("fingerprint metadata = %v", last.Metadata[MetaFingerprint])
	}
	if dump.TotalTokens() != 15 {
		t.Errorf("total tokens = %d, want 15", dump.TotalTokens())
	}
	if dump.SenderTurns("Alice") != 1 {
		t.Errorf("alice turns = %d, want 1", dump.SenderTurns("Alice"))
	}
	if reason, _ := tr.TerminationReason(context.Background()); reason != ReasonMaxTurns {
		t.Errorf("recorded reason = %q", reason)
	}
}

func TestAgentRetriesRateLimitedThenSucceeds(t *testing.T) {
	tr := seededTranscript(t)
	rateLimited := &ProviderError{Provider: "stub", Kind: KindRateLimited, Status: 429}
	p := &stubProvider{queue: []stubResult{
		{err: rateLimited},
		{err: rateLimited},
		{content: phraseFor(1)},
	}}

	reason, err := testAgent(tr, p, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonMaxTurns {
		t.Fatalf("reason = %q, want %q", reason, ReasonMaxTurns)
	}
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
}

func TestAgentCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{gen: func(int) stubResult {
		return stubResult{err: &ProviderError{Provider: "stub", Kind: KindTransient, Status: 503}}
	}}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := ReasonCircuitOpen + ":stub"
	if reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	// Opens on the 5th consecutive failure; no further calls go out.
	if p.callCount() != 5 {
		t.Errorf("provider calls = %d, want 5", p.callCount())
	}
	if stored, _ := tr.TerminationReason(context.Background()); stored != want {
		t.Errorf("recorded reason = %q", stored)
	}
}

func TestAgentAuthErrorIsFatal(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{queue: []stubResult{
		{err: &ProviderError{Provider: "stub", Kind: KindAuth, Status: 401}},
	}}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonAuthError + ":stub"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	if p.callCount() != 1 {
		t.Errorf("auth errors must not be retried, calls = %d", p.callCount())
	}
}

func TestAgentUnusableResponsesAreFatalAfterRetries(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{gen: func(int) stubResult {
		return stubResult{content: "<script>payload</script>"}
	}}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonInvalidResponse + ":stub"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
	dump, _ := tr.Load(context.Background())
	if got := dump.SenderTurns("Alice"); got != 0 {
		t.Errorf("alice turns = %d, want 0", got)
	}
}

func TestAgentExitsWhenPeerTerminated(t *testing.T) {
	tr := seededTranscript(t)
	_ = tr.MarkTerminated(context.Background(), "explicit_termination:Bob")
	p := &stubProvider{}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonPeerTerminated {
		t.Fatalf("reason = %q, want %q", reason, ReasonPeerTerminated)
	}
	if p.callCount() != 0 {
		t.Errorf("terminated conversation must not invoke the provider")
	}
	// First reason wins.
	if stored, _ := tr.TerminationReason(context.Background()); stored != "explicit_termination:Bob" {
		t.Errorf("recorded reason = %q", stored)
	}
}

func TestAgentTimeout(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{gen: func(call int) stubResult {
		return stubResult{content: phraseFor(call), delay: 10 * time.Millisecond}
	}}
	a := NewAgent(tr, AgentConfig{
		Name:     "Alice",
		Provider: p,
		Peers:    []string{"Bob"},
		MaxTurns: 5,
		Timeout:  5 * time.Millisecond,
		Backoff:  fastBackoff(),
	})

	reason, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", reason, ReasonTimeout)
	}
}

func TestAgentTurnViolationRegenerates(t *testing.T) {
	tr := seededTranscript(t)
	tr.appendErrs = []error{&TurnViolationError{Sender: "Alice", LastSender: "Alice"}}
	p := &stubProvider{gen: func(call int) stubResult {
		return stubResult{content: phraseFor(call)}
	}}

	reason, err := testAgent(tr, p, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonMaxTurns {
		t.Fatalf("reason = %q, want %q", reason, ReasonMaxTurns)
	}
	// One generation lost to the violation, one landed.
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
	dump, _ := tr.Load(context.Background())
	if got := dump.SenderTurns("Alice"); got != 1 {
		t.Errorf("alice turns = %d, want 1", got)
	}
}

func TestAgentStoreUnavailableAfterRetries(t *testing.T) {
	tr := seededTranscript(t)
	fault := &StoreError{Op: "append", Err: context.DeadlineExceeded}
	tr.appendErrs = []error{fault, fault, fault, fault}
	p := &stubProvider{queue: []stubResult{{content: phraseFor(2)}}}

	reason, err := testAgent(tr, p, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonStoreUnavailable {
		t.Fatalf("reason = %q, want %q", reason, ReasonStoreUnavailable)
	}
}

func TestAgentTerminationPhraseAppendedThenTerminates(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{queue: []stubResult{
		{content: "It was a pleasure. Goodbye and end."},
	}}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonExplicitTermination + ":Alice"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	// The phrase-bearing message must be visible to peers.
	dump, _ := tr.Load(context.Background())
	last := dump.Messages[len(dump.Messages)-1]
	if !strings.Contains(strings.ToLower(last.Content), "goodbye and end") {
		t.Errorf("phrase message missing, last = %q", last.Content)
	}
}

func TestAgentTerminationPhraseLostRaceRegenerates(t *testing.T) {
	tr := seededTranscript(t)
	// First append loses the turn race; the phrase generation backing it is
	// stale and must not terminate the conversation.
	tr.appendErrs = []error{&TurnViolationError{Sender: "Alice", LastSender: "Alice"}}
	p := &stubProvider{gen: func(int) stubResult {
		return stubResult{content: "It was a pleasure. Goodbye and end."}
	}}

	reason, err := testAgent(tr, p, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonExplicitTermination + ":Alice"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	// One generation lost to the race, one regenerated and landed.
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
	// The phrase that justified the exit is in the transcript.
	dump, _ := tr.Load(context.Background())
	last := dump.Messages[len(dump.Messages)-1]
	if last.Sender != "Alice" || !strings.Contains(strings.ToLower(last.Content), "goodbye and end") {
		t.Errorf("phrase message not persisted, last = %q from %q", last.Content, last.Sender)
	}
	if got := dump.SenderTurns("Alice"); got != 1 {
		t.Errorf("alice turns = %d, want 1", got)
	}
}

func TestAgentUnusableResponsesAccumulateBreakerFailures(t *testing.T) {
	tr := seededTranscript(t)
	p := &stubProvider{gen: func(int) stubResult {
		return stubResult{content: "<script>payload</script>"}
	}}
	breaker := NewBreaker("stub", 2, time.Minute)
	a := NewAgent(tr, AgentConfig{
		Name:       "Alice",
		Provider:   p,
		Peers:      []string{"Bob"},
		MaxTurns:   5,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		Backoff:    fastBackoff(),
		Breaker:    breaker,
	})

	reason, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonInvalidResponse + ":stub"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	// Each unusable response counts; the streak crosses the threshold.
	if !breaker.IsOpen() {
		t.Errorf("breaker closed after %d unusable responses, failures = %d",
			p.callCount(), breaker.Failures())
	}
}

func TestAgentRepetitionLoopAppendedThenTerminates(t *testing.T) {
	tr := seededTranscript(t)
	same := "I believe we have covered this ground thoroughly already"
	calls := 0
	p := &stubProvider{gen: func(int) stubResult {
		calls++
		return stubResult{content: same}
	}}

	// Alone on the transcript Alice never yields her turn back, so force
	// alternation by resetting the guard expectation each round: run with a
	// fresh peer message between turns.
	a := testAgent(tr, p, 5)
	ctx := context.Background()

	var reason string
	var err error
	done := make(chan struct{})
	go func() {
		reason, err = a.Run(ctx)
		close(done)
	}()

	// Feed peer turns so Alice keeps speaking.
	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		_, _ = tr.Append(ctx, AppendRequest{Sender: "Bob", Content: phraseFor(i)})
	}
	<-done

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := ReasonRepetitionLoop + ":Alice"; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	// The third identical output triggers; all three are stored.
	dump, _ := tr.Load(ctx)
	if got := dump.SenderTurns("Alice"); got != 3 {
		t.Errorf("alice turns = %d, want 3", got)
	}
}

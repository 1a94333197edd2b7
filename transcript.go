package parley

import "context"

// DefaultContextLimit is the default number of recent messages fetched for a
// provider call.
const DefaultContextLimit = 10

// AppendRequest carries one message into the transcript. Sender is normalized
// and content validated by the backend via ValidateAppend.
type AppendRequest struct {
	Sender   string
	Content  string
	Metadata map[string]any

	// ExpectLastSender, when non-nil, makes the append conditional: the
	// backend rejects it with *TurnViolationError unless the transcript's
	// current last sender equals the expected value ("" = empty transcript).
	// This is the strict turn guard; the cooperative don't-speak-twice rule
	// remains the outer defense.
	ExpectLastSender *string
}

// Health is the result of a transcript health probe.
type Health struct {
	Healthy bool
	// Checks maps probe name (e.g. "backend", "lock") to "ok" or a failure
	// description.
	Checks map[string]string
}

// Transcript is the shared, persisted conversation log plus its metadata bag.
// It is the single source of truth for turn ownership and termination state.
//
// Two backends conform: transcript/sqlite (file-backed, advisory-locked
// single writer) and transcript/postgres (networked, one transaction per
// mutation). Backend faults surface as *StoreError and are retried by the
// caller; validation faults surface as *InputError and are not.
type Transcript interface {
	// Append validates, normalizes, and stores one message, assigning the
	// next ID and a server-generated timestamp, and atomically updating the
	// turn and token counters. The append is observable to LastSender and
	// Context only after all derived counters are updated.
	Append(ctx context.Context, req AppendRequest) (Message, error)

	// Context returns up to limit most-recent messages, oldest first.
	// limit < 1 uses DefaultContextLimit.
	Context(ctx context.Context, limit int) ([]Message, error)

	// LastSender returns the sender of the highest-ID message, or "" when
	// the transcript is empty.
	LastSender(ctx context.Context) (string, error)

	// MarkTerminated sets the terminated flag with the given reason.
	// Idempotent with first-reason-wins semantics: once terminated, later
	// calls with a different reason are no-ops.
	MarkTerminated(ctx context.Context, reason string) error

	// Terminated reports whether the conversation has been terminated.
	Terminated(ctx context.Context) (bool, error)

	// TerminationReason returns the recorded reason, or "" when the
	// conversation is still live.
	TerminationReason(ctx context.Context) (string, error)

	// SetMetadata upserts one key in the conversation metadata bag.
	SetMetadata(ctx context.Context, key, value string) error

	// Load returns every message in insertion order plus the metadata bag.
	Load(ctx context.Context) (Dump, error)

	// Health verifies backend reachability and, for lock-based backends,
	// that the write lock is acquirable.
	Health(ctx context.Context) Health
}

// Provider abstracts the remote LLM backend. Adapters return *ProviderError
// with a populated Kind so the engine can branch on failure class.
type Provider interface {
	// Chat sends the ordered context and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// ConversationMetrics receives run-level lifecycle signals. The observer
// package provides an OTel-backed implementation; the zero value of a nil
// interface is treated as disabled.
type ConversationMetrics interface {
	ConversationStarted(ctx context.Context)
	ConversationFinished(ctx context.Context)
}

package parley

import (
	"strconv"
	"strings"
	"time"
)

// --- Domain types (transcript records) ---

// Message is one persisted transcript entry. IDs are assigned by the backend
// and strictly increase in insertion order; gaps are permitted.
type Message struct {
	ID        int64          `json:"id"`
	Sender    string         `json:"sender"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Well-known message metadata keys. The bag is otherwise opaque.
const (
	MetaTokens         = "tokens"
	MetaModel          = "model"
	MetaTurn           = "turn"
	MetaResponseTimeMS = "response_time_ms"
	MetaFingerprint    = "fingerprint"
	MetaSeed           = "seed"
)

// Conversation metadata bag keys.
const (
	KeyTotalTurns           = "total_turns"
	KeyTotalTokens          = "total_tokens"
	KeyTerminated           = "terminated"
	KeyTerminationReason    = "termination_reason"
	KeyTerminationTimestamp = "termination_timestamp"
	KeyCreatedAt            = "created_at"
	KeyFinishedAt           = "finished_at"
)

// SenderTurnsKey returns the metadata bag key holding the per-sender turn
// counter for the given normalized sender name.
func SenderTurnsKey(sender string) string {
	return "turns:" + strings.ToLower(sender)
}

// SeedSender is the sender name of the deterministic opener message placed by
// the runner. It never collides with an agent name because agent names are
// validated against it.
const SeedSender = "System"

// Dump is a full copy of a conversation: every message in insertion order
// plus the metadata bag.
type Dump struct {
	Messages []Message         `json:"messages"`
	Metadata map[string]string `json:"metadata"`
}

// TotalTurns reads the total turn counter from the metadata bag.
func (d Dump) TotalTurns() int { return d.metaInt(KeyTotalTurns) }

// TotalTokens reads the total token counter from the metadata bag.
func (d Dump) TotalTokens() int { return d.metaInt(KeyTotalTokens) }

// SenderTurns reads the per-sender turn counter for sender.
func (d Dump) SenderTurns(sender string) int { return d.metaInt(SenderTurnsKey(sender)) }

// TerminationReason returns the recorded reason, or "" when not terminated.
func (d Dump) TerminationReason() string { return d.Metadata[KeyTerminationReason] }

func (d Dump) metaInt(key string) int {
	n, _ := strconv.Atoi(d.Metadata[key])
	return n
}

// --- LLM protocol types ---

// Chat roles, mapped from transcript senders by the agent loop:
// self ↔ assistant, peer ↔ user, seed ↔ system.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage reports token counts as the provider returned them. Some providers
// report input and output separately, some only a combined total; the engine
// records whatever is present without normalization.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

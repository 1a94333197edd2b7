// Package parley is a conversation engine for autonomous dialogues between
// independent LLM providers.
//
// Two or more agents take turns producing responses grounded in a shared,
// persisted transcript. The engine drives each agent as an independent
// goroutine and keeps the conversation going until a terminal condition is
// reached: turn cap, termination phrase, repetition loop, fatal provider
// fault, timeout, or cancellation.
//
// # Quick Start
//
//	store := sqlite.New("conversation.db")
//	_ = store.Init(ctx)
//
//	runner := parley.NewRunner(store, parley.RunnerConfig{
//		Topic: "the ethics of machine minds",
//		Agents: []parley.AgentConfig{
//			{Name: "Claude", Provider: anthropic.New(key1, "claude-sonnet-4-5")},
//			{Name: "ChatGPT", Provider: openaicompat.New(key2, "gpt-4o", openaicompat.OpenAIBaseURL)},
//		},
//	})
//	result, err := runner.Run(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (one chat call per turn)
//   - [Transcript] — persisted ordered message log plus a metadata bag
//   - [ConversationMetrics] — run-level gauge hooks (see the observer package)
//
// # Included Implementations
//
// Transcript backends: transcript/sqlite (file-backed, advisory-locked) and
// transcript/postgres (networked, transactional).
// Providers: provider/anthropic and provider/openaicompat (OpenAI, Grok,
// Perplexity, Gemini via their OpenAI-compatible endpoints), resolved by name
// through provider/resolve.
//
// See cmd/parley for the command-line front end.
package parley

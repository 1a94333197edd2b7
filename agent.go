package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"
)

// Exit reasons recorded in the transcript metadata bag and returned by
// Agent.Run. Provider- and agent-qualified reasons are built with a ":" suffix
// (e.g. "circuit_open:anthropic", "explicit_termination:Claude").
const (
	ReasonPeerTerminated      = "peer_terminated"
	ReasonTimeout             = "timeout"
	ReasonMaxTurns            = "max_turns_reached"
	ReasonCircuitOpen         = "circuit_open"
	ReasonInvalidResponse     = "invalid_response"
	ReasonExplicitTermination = "explicit_termination"
	ReasonRepetitionLoop      = "repetition_loop"
	ReasonInternalInvariant   = "internal_invariant"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonContextTooLarge     = "context_too_large"
	ReasonAuthError           = "auth_error"
	ReasonProviderError       = "provider_error"
	ReasonCancelled           = "cancelled"
)

// Default agent loop parameters.
const (
	DefaultMaxTurns     = 50
	DefaultAgentTimeout = 30 * time.Minute
	DefaultCallTimeout  = 2 * time.Minute
	DefaultMaxRetries   = 3

	yieldBase   = 200 * time.Millisecond
	yieldJitter = 200 * time.Millisecond
)

// AgentConfig describes one party in a conversation. Zero values fall back to
// the package defaults.
type AgentConfig struct {
	Name     string
	Provider Provider
	Model    string
	Topic    string
	// Peers holds the other parties' names. Used for the deterministic
	// first-mover rule on an unseeded transcript and for role mapping.
	Peers []string

	MaxTurns    int
	Timeout     time.Duration // wall-clock deadline for the whole run
	CallTimeout time.Duration // per provider call
	MaxRetries  int
	Backoff     BackoffPolicy

	ContextLimit     int
	MaxMessageLength int
	Temperature      float64
	MaxTokens        int

	SimilarityThreshold   float64
	MaxConsecutiveSimilar int
	RecentWindow          int
	TerminationPhrases    []string

	FailureThreshold int
	BreakerCooldown  time.Duration
	// Breaker overrides the internally constructed breaker (tests).
	Breaker *Breaker

	Logger *slog.Logger
}

// Agent drives one party's participation from start to terminal condition.
// It holds a non-owning handle to the shared transcript; all its other state
// is private.
type Agent struct {
	name       string
	cfg        AgentConfig
	transcript Transcript
	breaker    *Breaker
	detector   *RepetitionDetector
	logger     *slog.Logger

	turns        int
	contextLimit int
}

// NewAgent builds an agent over the shared transcript. The name is normalized
// the same way the store normalizes senders so turn-ownership comparisons hold.
func NewAgent(t Transcript, cfg AgentConfig) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAgentTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.TerminationPhrases == nil {
		cfg.TerminationPhrases = DefaultTerminationPhrases
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}

	name := NormalizeSender(cfg.Name)
	peers := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, NormalizeSender(p))
	}
	cfg.Peers = peers

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewBreaker(cfg.Provider.Name(), cfg.FailureThreshold, cfg.BreakerCooldown,
			BreakerLogger(cfg.Logger))
	}

	return &Agent{
		name:       name,
		cfg:        cfg,
		transcript: t,
		breaker:    breaker,
		detector: NewRepetitionDetector(cfg.SimilarityThreshold,
			cfg.MaxConsecutiveSimilar, cfg.RecentWindow),
		logger:       cfg.Logger.With("agent", name, "provider", cfg.Provider.Name()),
		contextLimit: cfg.ContextLimit,
	}
}

// Name returns the agent's normalized display name.
func (a *Agent) Name() string { return a.name }

// Turns returns the number of messages this agent has appended.
func (a *Agent) Turns() int { return a.turns }

// Run drives the loop until a terminal condition and returns the exit reason.
// A nil error means the loop ended cleanly (whatever the reason); a non-nil
// error reports an internal failure the runner records as fatal.
func (a *Agent) Run(ctx context.Context) (string, error) {
	deadline := time.Now().Add(a.cfg.Timeout)
	a.logger.Info("agent started", "max_turns", a.cfg.MaxTurns, "model", a.cfg.Model)

	storeFaults := 0
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}

		// Terminal checks.
		terminated, err := a.transcript.Terminated(ctx)
		if err != nil {
			if done, reason := a.storeFault(ctx, &storeFaults, err); done {
				return reason, nil
			}
			continue
		}
		storeFaults = 0
		if terminated {
			a.logger.Info("agent exiting", "reason", ReasonPeerTerminated)
			return ReasonPeerTerminated, nil
		}
		if time.Now().After(deadline) {
			return a.terminate(ctx, ReasonTimeout)
		}
		if a.turns >= a.cfg.MaxTurns {
			return a.terminate(ctx, ReasonMaxTurns)
		}
		if a.breaker.IsOpen() {
			return a.terminate(ctx, ReasonCircuitOpen+":"+a.cfg.Provider.Name())
		}

		// Turn ownership.
		last, err := a.transcript.LastSender(ctx)
		if err != nil {
			if done, reason := a.storeFault(ctx, &storeFaults, err); done {
				return reason, nil
			}
			continue
		}
		if last == a.name || (last == "" && !a.firstMover()) {
			a.yield(ctx)
			continue
		}

		// Context read.
		msgs, err := a.transcript.Context(ctx, a.contextLimit)
		if err != nil {
			if done, reason := a.storeFault(ctx, &storeFaults, err); done {
				return reason, nil
			}
			continue
		}

		// Provider invocation under retry.
		gen := a.generate(ctx, msgs)
		switch {
		case gen.fatal != "":
			return a.terminate(ctx, gen.fatal)
		case gen.exhausted:
			// Retriable failures used up this iteration's attempts. The
			// breaker accumulates across iterations and the top-of-loop
			// check opens the gate when the threshold is reached.
			a.yield(ctx)
			continue
		case ctx.Err() != nil:
			return ReasonCancelled, nil
		}

		// Termination-phrase check: append so peers see it, then terminate.
		// A lost turn race restarts the iteration; the stale generation must
		// not terminate anything.
		if phrase := TerminationPhrase(gen.text, a.cfg.TerminationPhrases); phrase != "" {
			reason, st := a.appendTurn(ctx, gen, last)
			if st == appendExit {
				return reason, nil
			}
			if st == appendLostTurn {
				continue
			}
			a.logger.Info("termination phrase detected", "phrase", phrase)
			return a.terminate(ctx, ReasonExplicitTermination+":"+a.name)
		}

		// Repetition check, same race handling.
		if a.detector.Observe(gen.text, peerContents(msgs, a.name, a.detector.window)) {
			reason, st := a.appendTurn(ctx, gen, last)
			if st == appendExit {
				return reason, nil
			}
			if st == appendLostTurn {
				continue
			}
			a.logger.Info("repetition loop detected", "consecutive", a.detector.Consecutive())
			return a.terminate(ctx, ReasonRepetitionLoop+":"+a.name)
		}

		// Append.
		if reason, st := a.appendTurn(ctx, gen, last); st == appendExit {
			return reason, nil
		}
	}
}

// storeFault counts consecutive transcript faults, sleeping between retries.
// After MaxRetries consecutive faults the run is over: it best-effort marks
// the transcript terminated and reports store_unavailable.
func (a *Agent) storeFault(ctx context.Context, faults *int, err error) (bool, string) {
	if ctx.Err() != nil {
		return true, ReasonCancelled
	}
	*faults++
	a.logger.Warn("transcript fault", "error", MaskCredentials(err.Error()), "consecutive", *faults)
	if *faults >= a.cfg.MaxRetries {
		_ = a.transcript.MarkTerminated(ctx, ReasonStoreUnavailable)
		return true, ReasonStoreUnavailable
	}
	_ = Sleep(ctx, a.cfg.Backoff.Delay(*faults-1, err))
	return false, ""
}

// terminate marks the transcript terminated (first-reason-wins) and returns
// the reason for the caller to surface.
func (a *Agent) terminate(ctx context.Context, reason string) (string, error) {
	if err := a.transcript.MarkTerminated(ctx, reason); err != nil {
		a.logger.Warn("mark terminated failed", "reason", reason, "error", err)
	}
	a.logger.Info("agent exiting", "reason", reason, "turns", a.turns)
	return reason, nil
}

// yield sleeps the cooperative turn-yield interval (200–400 ms).
func (a *Agent) yield(ctx context.Context) {
	_ = Sleep(ctx, yieldBase+time.Duration(rand.Int63n(int64(yieldJitter))))
}

// firstMover reports whether this agent opens an unseeded transcript: the
// party whose name compares first under lexicographic order speaks first.
func (a *Agent) firstMover() bool {
	names := append([]string{a.name}, a.cfg.Peers...)
	sort.Strings(names)
	return names[0] == a.name
}

// genResult is the outcome of one provider invocation cycle.
type genResult struct {
	text    string
	usage   Usage
	elapsed time.Duration
	fatal   string // non-empty: terminate the conversation with this reason
	// exhausted: retriable failures consumed every attempt; the loop yields
	// and re-enters its terminal checks rather than terminating.
	exhausted bool
}

// generate invokes the provider under the retry policy, classifying failures
// per kind, recording breaker outcomes per attempt, and sanitizing the result.
func (a *Agent) generate(ctx context.Context, msgs []Message) genResult {
	chat := a.buildMessages(msgs)
	provider := a.cfg.Provider.Name()

	var lastErr error
	halved := false
	invalid := false
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 && lastErr != nil {
			if Sleep(ctx, a.cfg.Backoff.Delay(attempt-1, lastErr)) != nil {
				return genResult{}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		start := time.Now()
		resp, err := a.cfg.Provider.Chat(callCtx, ChatRequest{
			Messages:    chat,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		})
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return genResult{}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = &ProviderError{Provider: provider, Kind: KindTimeout, Detail: "call deadline exceeded"}
			}
			a.breaker.RecordFailure()
			kind := KindOf(err)
			a.logger.Warn("provider call failed",
				"kind", string(kind),
				"attempt", attempt+1,
				"max_attempts", a.cfg.MaxRetries,
				"error", MaskCredentials(err.Error()))

			switch {
			case kind == KindContextTooLarge && !halved:
				// One shot at recovery: halve the context and retry.
				halved = true
				a.contextLimit = a.contextLimit/2 + a.contextLimit%2
				if len(msgs) > a.contextLimit {
					msgs = msgs[len(msgs)-a.contextLimit:]
				}
				chat = a.buildMessages(msgs)
				lastErr = nil
				continue
			case kind == KindContextTooLarge:
				return genResult{fatal: ReasonContextTooLarge + ":" + provider}
			case kind == KindAuth:
				return genResult{fatal: ReasonAuthError + ":" + provider}
			case IsRetriable(err):
				lastErr = err
				invalid = false
				if a.breaker.State() == BreakerOpen {
					return genResult{exhausted: true}
				}
				continue
			default:
				return genResult{fatal: ReasonProviderError + ":" + provider}
			}
		}

		// Success is recorded only for a usable response: an unusable one
		// must keep counting toward the failure threshold.
		text := SanitizeContent(resp.Content)
		if text == "" || len(text) > a.cfg.MaxMessageLength {
			a.breaker.RecordFailure()
			lastErr = &ProviderError{Provider: provider, Kind: KindTransient, Detail: "empty or oversize response"}
			invalid = true
			continue
		}
		a.breaker.RecordSuccess()
		return genResult{text: text, usage: resp.Usage, elapsed: elapsed}
	}

	if invalid {
		return genResult{fatal: ReasonInvalidResponse + ":" + provider}
	}
	return genResult{exhausted: true}
}

// appendStatus is the outcome of appendTurn.
type appendStatus int

const (
	appendOK appendStatus = iota
	// appendLostTurn: the guard rejected the write; the caller restarts its
	// iteration and regenerates against the fresh transcript.
	appendLostTurn
	// appendExit: terminal; the accompanying reason ends the run.
	appendExit
)

// appendTurn records a generated message with its turn metadata, guarded by
// the last sender observed before generation. Transient store faults retry
// per the backoff policy.
func (a *Agent) appendTurn(ctx context.Context, gen genResult, expectLast string) (string, appendStatus) {
	meta := map[string]any{
		MetaModel:          a.cfg.Model,
		MetaTurn:           a.turns + 1,
		MetaResponseTimeMS: gen.elapsed.Milliseconds(),
		MetaFingerprint:    Fingerprint(gen.text),
	}
	if total := gen.usage.Total(); total > 0 {
		meta[MetaTokens] = total
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if Sleep(ctx, a.cfg.Backoff.Delay(attempt-1, lastErr)) != nil {
				return ReasonCancelled, appendExit
			}
		}
		msg, err := a.transcript.Append(ctx, AppendRequest{
			Sender:           a.name,
			Content:          gen.text,
			Metadata:         meta,
			ExpectLastSender: &expectLast,
		})
		switch {
		case err == nil:
			a.turns++
			a.logger.Info("turn recorded",
				"id", msg.ID,
				"turn", a.turns,
				"tokens", gen.usage.Total(),
				"response_time_ms", gen.elapsed.Milliseconds())
			return "", appendOK
		case IsTurnViolation(err):
			// Lost the race for this turn; yield and regenerate against
			// the fresh context.
			a.logger.Debug("turn violation, yielding", "error", err)
			a.yield(ctx)
			return "", appendLostTurn
		case IsInvalidInput(err):
			a.logger.Error("append rejected", "error", err)
			_ = a.transcript.MarkTerminated(ctx, ReasonInternalInvariant)
			return ReasonInternalInvariant, appendExit
		case IsStoreFault(err):
			lastErr = err
			a.logger.Warn("append fault", "attempt", attempt+1, "error", MaskCredentials(err.Error()))
		default:
			lastErr = err
			a.logger.Warn("append failed", "attempt", attempt+1, "error", MaskCredentials(err.Error()))
		}
	}
	_ = a.transcript.MarkTerminated(ctx, ReasonStoreUnavailable)
	return ReasonStoreUnavailable, appendExit
}

// buildMessages maps transcript senders onto chat roles: the seed is system,
// this agent is assistant, everyone else is user. A standing system prompt
// naming the agent and topic leads the request.
func (a *Agent) buildMessages(msgs []Message) []ChatMessage {
	topic := a.cfg.Topic
	if topic == "" {
		topic = "general"
	}
	chat := make([]ChatMessage, 0, len(msgs)+1)
	chat = append(chat, SystemMessage(
		fmt.Sprintf("You are %s. Topic: %s. Provide thoughtful, engaging responses.", a.name, topic)))
	for _, m := range msgs {
		switch m.Sender {
		case SeedSender:
			chat = append(chat, SystemMessage(m.Content))
		case a.name:
			chat = append(chat, AssistantMessage(m.Content))
		default:
			chat = append(chat, UserMessage(m.Content))
		}
	}
	return chat
}

// peerContents extracts the last k peer-authored contents from a context
// window, oldest first.
func peerContents(msgs []Message, self string, k int) []string {
	var out []string
	for _, m := range msgs {
		if m.Sender == self || m.Sender == SeedSender {
			continue
		}
		out = append(out, m.Content)
	}
	if len(out) > k {
		out = out[len(out)-k:]
	}
	return out
}

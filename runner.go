package parley

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunnerConfig wires a conversation: the topic, the participating agents, and
// optional run-level metrics.
type RunnerConfig struct {
	Topic  string
	Agents []AgentConfig
	// Metrics receives lifecycle signals; nil disables.
	Metrics ConversationMetrics
	Logger  *slog.Logger
}

// Result summarizes a finished conversation.
type Result struct {
	Reason      string
	TotalTurns  int
	TotalTokens int
	SenderTurns map[string]int
	Duration    time.Duration
}

// Runner owns one conversation end to end: it health-checks the transcript,
// seeds the topic, runs each agent in its own goroutine, and finalizes the
// metadata bag when the last agent exits.
type Runner struct {
	transcript Transcript
	cfg        RunnerConfig
	agents     []*Agent
	logger     *slog.Logger
}

// NewRunner builds a runner over the shared transcript. Each AgentConfig gets
// its Topic, Peers, and Logger filled in from the runner config.
func NewRunner(t Transcript, cfg RunnerConfig) (*Runner, error) {
	if len(cfg.Agents) < 2 {
		return nil, &InputError{Reason: "a conversation needs at least two agents"}
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}

	names := make([]string, len(cfg.Agents))
	for i, ac := range cfg.Agents {
		if ac.Provider == nil {
			return nil, &InputError{Reason: fmt.Sprintf("agent %q has no provider", ac.Name)}
		}
		names[i] = NormalizeSender(ac.Name)
		if names[i] == "" {
			return nil, &InputError{Reason: "agent name must not be empty"}
		}
	}
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			if names[i] == names[j] {
				return nil, &InputError{Reason: fmt.Sprintf("duplicate agent name %q", names[i])}
			}
		}
	}

	agents := make([]*Agent, len(cfg.Agents))
	for i, ac := range cfg.Agents {
		if ac.Topic == "" {
			ac.Topic = cfg.Topic
		}
		if ac.Logger == nil {
			ac.Logger = cfg.Logger
		}
		peers := make([]string, 0, len(names)-1)
		for j, n := range names {
			if j != i {
				peers = append(peers, n)
			}
		}
		ac.Peers = peers
		agents[i] = NewAgent(t, ac)
	}

	return &Runner{
		transcript: t,
		cfg:        cfg,
		agents:     agents,
		logger:     cfg.Logger,
	}, nil
}

// Run executes the conversation to its terminal condition and returns the
// summary. The transcript is gated on a health probe first; an unhealthy
// backend fails the run before any agent starts.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	if h := r.transcript.Health(ctx); !h.Healthy {
		return Result{Reason: ReasonStoreUnavailable},
			&StoreError{Op: "health", Err: fmt.Errorf("transcript unhealthy: %v", h.Checks)}
	}

	if err := r.seed(ctx); err != nil {
		return Result{}, err
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ConversationStarted(ctx)
		defer r.cfg.Metrics.ConversationFinished(ctx)
	}
	r.logger.Info("conversation started", "topic", r.cfg.Topic, "agents", len(r.agents))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(r.agents))
	for i, a := range r.agents {
		wg.Add(1)
		go func(i int, a *Agent) {
			defer wg.Done()
			_, err := a.Run(runCtx)
			if err != nil {
				errs[i] = fmt.Errorf("agent %s: %w", a.Name(), err)
				_ = r.transcript.MarkTerminated(ctx, "fatal:"+err.Error())
				cancel()
			}
		}(i, a)
	}

	// Propagate external cancellation into the transcript so the surviving
	// agents observe a terminated conversation rather than spinning.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			_ = r.transcript.MarkTerminated(context.WithoutCancel(ctx), ReasonCancelled)
		case <-runCtx.Done():
		}
	}()

	wg.Wait()
	cancel()
	<-watchDone

	var runErr error
	for _, err := range errs {
		if err != nil {
			runErr = err
			break
		}
	}

	res, err := r.finalize(context.WithoutCancel(ctx), start)
	if runErr != nil {
		return res, runErr
	}
	return res, err
}

// seed writes the topic opener when the transcript is empty, so the first
// agent has something to respond to. A concurrent seeder losing the guard
// race is fine; someone seeded.
func (r *Runner) seed(ctx context.Context) error {
	last, err := r.transcript.LastSender(ctx)
	if err != nil {
		return err
	}
	if last != "" {
		return nil
	}

	topic := r.cfg.Topic
	if topic == "" {
		topic = "an open-ended discussion"
	}
	empty := ""
	_, err = r.transcript.Append(ctx, AppendRequest{
		Sender:           SeedSender,
		Content:          fmt.Sprintf("Topic: %s. Begin.", topic),
		Metadata:         map[string]any{MetaSeed: true},
		ExpectLastSender: &empty,
	})
	if IsTurnViolation(err) {
		return nil
	}
	return err
}

// finalize stamps the finish time and reads the summary back from the store,
// so the result reflects what was actually persisted.
func (r *Runner) finalize(ctx context.Context, start time.Time) (Result, error) {
	if err := r.transcript.SetMetadata(ctx, KeyFinishedAt,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("finalize metadata failed", "error", err)
	}

	dump, err := r.transcript.Load(ctx)
	if err != nil {
		return Result{Duration: time.Since(start)}, err
	}

	res := Result{
		Reason:      dump.TerminationReason(),
		TotalTurns:  dump.TotalTurns(),
		TotalTokens: dump.TotalTokens(),
		SenderTurns: make(map[string]int, len(r.agents)),
		Duration:    time.Since(start),
	}
	for _, a := range r.agents {
		res.SenderTurns[a.Name()] = dump.SenderTurns(a.Name())
	}
	r.logger.Info("conversation finished",
		"reason", res.Reason,
		"turns", res.TotalTurns,
		"tokens", res.TotalTokens,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

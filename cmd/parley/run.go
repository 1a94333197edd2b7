package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/internal/config"
	"github.com/nevindra/parley/observer"
	"github.com/nevindra/parley/provider/resolve"
	"github.com/nevindra/parley/transcript/postgres"
	"github.com/nevindra/parley/transcript/sqlite"
)

type runFlags struct {
	agent1, agent2 string
	model1, model2 string
	topic          string
	turns          int
	db             string
	conversation   string
	configPath     string
	yes            bool
	verbose        bool
}

func newRootCmd() *cobra.Command {
	var f runFlags

	root := &cobra.Command{
		Use:   "parley",
		Short: "Autonomous LLM-to-LLM conversations",
		Long: `parley pairs two LLM providers over a shared transcript and lets them
talk until a turn budget, timeout, or termination signal ends the run.

Providers are resolved by name (claude, chatgpt, gemini, grok, perplexity)
and credentialed from the environment. With no --agent flags, parley offers
an interactive pick from the providers whose keys are set.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversation(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.agent1, "agent1", "", "first provider (name or alias)")
	root.Flags().StringVar(&f.agent2, "agent2", "", "second provider (name or alias)")
	root.Flags().StringVar(&f.model1, "model1", "", "model for agent1 (default per provider)")
	root.Flags().StringVar(&f.model2, "model2", "", "model for agent2 (default per provider)")
	root.Flags().StringVar(&f.topic, "topic", "", "conversation topic (required)")
	root.Flags().IntVar(&f.turns, "turns", 0, "max turns per agent (default from config)")
	root.Flags().StringVar(&f.db, "db", "", "sqlite database path (default <data_dir>/conversation-<id>.db)")
	root.Flags().StringVar(&f.conversation, "conversation", "", "conversation id (postgres backend; default random)")
	root.Flags().StringVarP(&f.configPath, "config", "c", "", "path to TOML config file")
	root.Flags().BoolVarP(&f.yes, "yes", "y", false, "skip confirmation and interactive prompts")
	root.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newViewCmd())
	return root
}

func runConversation(ctx context.Context, f runFlags) error {
	if strings.TrimSpace(f.topic) == "" {
		return exitf(exitUsage, "--topic is required")
	}

	// .env is optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return exitf(exitConfig, "config: %v", err)
	}
	if f.turns > 0 {
		cfg.Conversation.MaxTurns = f.turns
	}
	if err := cfg.Validate(); err != nil {
		return exitf(exitConfig, "config: %v", err)
	}

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	name1, name2, err := pickProviders(f)
	if err != nil {
		return err
	}
	entry1, err := resolve.Lookup(name1)
	if err != nil {
		return exitf(exitUsage, "%v", err)
	}
	entry2, err := resolve.Lookup(name2)
	if err != nil {
		return exitf(exitUsage, "%v", err)
	}

	prov1, err := resolve.New(name1, f.model1)
	if err != nil {
		return exitf(exitAuth, "%v", err)
	}
	prov2, err := resolve.New(name2, f.model2)
	if err != nil {
		return exitf(exitAuth, "%v", err)
	}
	model1 := f.model1
	if model1 == "" {
		model1 = resolve.DefaultModel(entry1)
	}
	model2 := f.model2
	if model2 == "" {
		model2 = resolve.DefaultModel(entry2)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics parley.ConversationMetrics
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return exitf(exitFailure, "observer init: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		metrics = observer.NewConversations(inst)
		prov1 = observer.WrapProvider(prov1, model1, inst)
		prov2 = observer.WrapProvider(prov2, model2, inst)
	}

	transcript, cleanup, err := openTranscript(ctx, cfg, f, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	topic := f.topic

	if !f.yes {
		fmt.Printf("Start a conversation between %s (%s) and %s (%s) on %q? [y/N] ",
			entry1.Display, model1, entry2.Display, model2, topic)
		if !confirm(os.Stdin) {
			fmt.Fprintln(os.Stderr, "aborted")
			return nil
		}
	}

	agentCfg := func(entry resolve.Entry, prov parley.Provider, model string) parley.AgentConfig {
		return parley.AgentConfig{
			Name:                  entry.Display,
			Provider:              prov,
			Model:                 model,
			MaxTurns:              cfg.Conversation.MaxTurns,
			Timeout:               time.Duration(cfg.Conversation.TimeoutMinutes) * time.Minute,
			MaxRetries:            cfg.Retry.MaxRetries,
			Backoff:               backoffPolicy(cfg.Retry),
			ContextLimit:          cfg.Conversation.ContextMessages,
			MaxMessageLength:      cfg.Conversation.MaxMessageLength,
			Temperature:           cfg.Generation.Temperature,
			MaxTokens:             cfg.Generation.MaxTokens,
			SimilarityThreshold:   cfg.Conversation.SimilarityThreshold,
			MaxConsecutiveSimilar: cfg.Conversation.MaxConsecutiveSimilar,
			TerminationPhrases:    cfg.Conversation.TerminationPhrases,
			FailureThreshold:      cfg.Retry.FailureThreshold,
			BreakerCooldown:       time.Duration(cfg.Retry.CooldownSeconds) * time.Second,
		}
	}

	// Same display name on both sides (e.g. claude vs claude) needs a suffix
	// to keep turn ownership unambiguous.
	ac1 := agentCfg(entry1, prov1, model1)
	ac2 := agentCfg(entry2, prov2, model2)
	if ac1.Name == ac2.Name {
		ac1.Name += " 1"
		ac2.Name += " 2"
	}

	runner, err := parley.NewRunner(transcript, parley.RunnerConfig{
		Topic:   topic,
		Agents:  []parley.AgentConfig{ac1, ac2},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return exitf(exitUsage, "%v", err)
	}

	res, err := runner.Run(ctx)
	if err != nil {
		if parley.IsStoreFault(err) {
			return exitf(exitStore, "%v", err)
		}
		return exitf(exitFailure, "%v", err)
	}

	printSummary(os.Stdout, res)
	// Cancellation is a normal termination; it exits 0 like any other
	// non-fatal reason.
	switch {
	case res.Reason == parley.ReasonStoreUnavailable:
		return exitf(exitStore, "conversation ended: %s", res.Reason)
	case strings.HasPrefix(res.Reason, parley.ReasonAuthError):
		return exitf(exitAuth, "conversation ended: %s", res.Reason)
	}
	return nil
}

// pickProviders resolves the two provider names from flags, or interactively
// from the keys present in the environment.
func pickProviders(f runFlags) (string, string, error) {
	if f.agent1 != "" && f.agent2 != "" {
		return f.agent1, f.agent2, nil
	}

	detected := resolve.Detect()
	if len(detected) == 0 {
		return "", "", exitf(exitAuth, "no provider API keys found in environment (set e.g. ANTHROPIC_API_KEY)")
	}

	if f.yes {
		// Non-interactive: first two detected, doubling up when only one
		// key is present.
		a := f.agent1
		if a == "" {
			a = detected[0].Name
		}
		b := f.agent2
		if b == "" {
			b = detected[len(detected)-1].Name
		}
		return a, b, nil
	}

	fmt.Println("Available providers:")
	for i, e := range detected {
		fmt.Printf("  %d) %s (%s)\n", i+1, e.Display, e.Name)
	}
	reader := bufio.NewReader(os.Stdin)

	choose := func(prompt, preset string) (string, error) {
		if preset != "" {
			return preset, nil
		}
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", exitf(exitUsage, "read selection: %v", err)
		}
		line = strings.TrimSpace(line)
		for i, e := range detected {
			if line == fmt.Sprint(i+1) || strings.EqualFold(line, e.Name) {
				return e.Name, nil
			}
		}
		return "", exitf(exitUsage, "invalid selection %q", line)
	}

	a, err := choose("First agent: ", f.agent1)
	if err != nil {
		return "", "", err
	}
	b, err := choose("Second agent: ", f.agent2)
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

// openTranscript picks the backend: postgres when POSTGRES_URL is configured,
// a local sqlite file otherwise.
func openTranscript(ctx context.Context, cfg config.Config, f runFlags, logger *slog.Logger) (parley.Transcript, func(), error) {
	if cfg.Storage.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, exitf(exitStore, "postgres: %v", err)
		}
		id := f.conversation
		if id == "" {
			id = uuid.NewString()
		}
		store := postgres.New(pool, id, postgres.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, exitf(exitStore, "postgres init: %v", err)
		}
		logger.Info("using postgres transcript", "conversation", id)
		return store, pool.Close, nil
	}

	path := f.db
	if path == "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, nil, exitf(exitStore, "data dir: %v", err)
		}
		path = filepath.Join(cfg.Storage.DataDir,
			fmt.Sprintf("conversation-%s.db", time.Now().Format("20060102-150405")))
	}
	store := sqlite.New(path,
		sqlite.WithLogger(logger),
		sqlite.WithMaxMessageLength(cfg.Conversation.MaxMessageLength))
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, exitf(exitStore, "sqlite init: %v", err)
	}
	logger.Info("using sqlite transcript", "path", path)
	return store, func() { _ = store.Close() }, nil
}

func backoffPolicy(r config.RetryConfig) parley.BackoffPolicy {
	return parley.BackoffPolicy{
		Initial:    time.Duration(r.InitialBackoff * float64(time.Second)),
		Multiplier: r.BackoffMultiplier,
		Max:        time.Duration(r.MaxBackoff * float64(time.Second)),
		Jitter:     0.2,
	}
}

func confirm(in *os.File) bool {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func printSummary(out *os.File, res parley.Result) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Conversation summary")
	fmt.Fprintf(out, "  reason:   %s\n", res.Reason)
	fmt.Fprintf(out, "  turns:    %d\n", res.TotalTurns)
	fmt.Fprintf(out, "  tokens:   %d\n", res.TotalTokens)
	for name, turns := range res.SenderTurns {
		fmt.Fprintf(out, "  %-9s %d turns\n", name+":", turns)
	}
	fmt.Fprintf(out, "  duration: %s\n", res.Duration.Round(time.Second))
}

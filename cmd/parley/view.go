package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/internal/config"
	"github.com/nevindra/parley/transcript/postgres"
	"github.com/nevindra/parley/transcript/sqlite"
)

func newViewCmd() *cobra.Command {
	var (
		db           string
		conversation string
		configPath   string
	)

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print a stored conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitf(exitConfig, "config: %v", err)
			}

			dump, err := loadDump(cmd.Context(), cfg, db, conversation)
			if err != nil {
				return err
			}
			printDump(dump)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "sqlite database path")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (postgres backend)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	return cmd
}

func loadDump(ctx context.Context, cfg config.Config, db, conversation string) (parley.Dump, error) {
	if conversation != "" {
		if cfg.Storage.PostgresURL == "" {
			return parley.Dump{}, exitf(exitUsage, "--conversation needs POSTGRES_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return parley.Dump{}, exitf(exitStore, "postgres: %v", err)
		}
		defer pool.Close()
		return loadOrStoreErr(postgres.New(pool, conversation).Load(ctx))
	}

	if db == "" {
		return parley.Dump{}, exitf(exitUsage, "--db or --conversation is required")
	}
	if _, err := os.Stat(db); err != nil {
		return parley.Dump{}, exitf(exitUsage, "database %s: %v", db, err)
	}
	store := sqlite.New(db)
	defer store.Close()
	return loadOrStoreErr(store.Load(ctx))
}

func loadOrStoreErr(dump parley.Dump, err error) (parley.Dump, error) {
	if err != nil {
		return parley.Dump{}, exitf(exitStore, "load transcript: %v", err)
	}
	return dump, nil
}

func printDump(dump parley.Dump) {
	for _, m := range dump.Messages {
		fmt.Printf("[%s] %s (#%d)\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Sender, m.ID)
		fmt.Println(m.Content)
		fmt.Println()
	}
	if reason := dump.TerminationReason(); reason != "" {
		fmt.Printf("-- terminated: %s --\n", reason)
	}
	fmt.Printf("turns: %d, tokens: %d\n", dump.TotalTurns(), dump.TotalTokens())
}

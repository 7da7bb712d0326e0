package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/config"
	"github.com/eduvia/eduvia/internal/llm"
	"github.com/eduvia/eduvia/internal/log"
	"github.com/eduvia/eduvia/internal/postgres"
	"github.com/eduvia/eduvia/internal/queue"
	"github.com/eduvia/eduvia/internal/title"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the asynchronous title derivation worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: !cfg.Debug})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	broker, err := queue.Connect(cfg.Queue.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Close()

	model := llm.NewClient(llm.Config{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
	}, logger)

	deriver := title.NewDeriver(model, chat.NewStore(pool, logger), cfg.Model.TitleModel, logger)

	logger.Info("title worker started", "queue", chat.TopicSessionStarted)
	err = broker.Subscribe(ctx, chat.TopicSessionStarted, deriver.Handle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

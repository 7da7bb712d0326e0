package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/eduvia/eduvia/api"
	"github.com/eduvia/eduvia/db"
	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/config"
	"github.com/eduvia/eduvia/internal/history"
	"github.com/eduvia/eduvia/internal/identity"
	"github.com/eduvia/eduvia/internal/llm"
	"github.com/eduvia/eduvia/internal/log"
	"github.com/eduvia/eduvia/internal/postgres"
	"github.com/eduvia/eduvia/internal/prompt"
	"github.com/eduvia/eduvia/internal/queue"
	"github.com/eduvia/eduvia/internal/title"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
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

	logger.Info("starting eduvia", "version", Version)

	if err := db.Migrate(cfg.Postgres.URL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	broker, err := queue.Connect(cfg.Queue.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Close()

	model := llm.NewClient(llm.Config{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}, logger)

	chatStore := chat.NewStore(pool, logger)
	cache := history.New(rdb, chatStore, logger)
	prompts := prompt.NewStore(pool)

	tokens := identity.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	idStore := identity.NewStore(pool, logger)
	ids := identity.NewService(idStore, tokens, broker, logger)
	auth := identity.NewAuthenticator(tokens, idStore)

	manager := chat.NewManager(chatStore, cache, prompts, ids, model, broker, logger)

	// Title derivation runs in-process as a queue consumer; a separate
	// worker deployment can run `eduvia worker` instead.
	deriver := title.NewDeriver(model, chatStore, cfg.Model.TitleModel, logger)
	go func() {
		if err := broker.Subscribe(ctx, chat.TopicSessionStarted, deriver.Handle); err != nil && ctx.Err() == nil {
			logger.Error("title consumer stopped", "error", err)
		}
	}()

	server := api.NewServer(pool, manager, prompts, ids, auth, logger)
	return server.Run(ctx, cfg.Server.Addr)
}

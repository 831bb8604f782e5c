package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/api"
	"github.com/algae514/zerocode-llm-chat/internal/config"
	"github.com/algae514/zerocode-llm-chat/internal/conversation"
	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/llm"
	"github.com/algae514/zerocode-llm-chat/internal/logging"
	"github.com/algae514/zerocode-llm-chat/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		if dbPath, err = db.DefaultPath(); err != nil {
			logger.Fatal("failed to resolve database path", zap.Error(err))
		}
	}

	database, err := db.New(dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", dbPath))
	}
	defer database.Close()

	policy, err := conversation.ParseSummaryPolicy(cfg.Conversation.SummaryPolicy)
	if err != nil {
		logger.Fatal("invalid summary policy", zap.Error(err))
	}

	m := metrics.New()
	repo := conversation.New(database, logger,
		conversation.WithDefaultModel(cfg.LLM.Model),
		conversation.WithSummaryPolicy(policy),
		conversation.WithMetrics(m))

	provider, err := llm.ParseProvider(cfg.LLM.Provider)
	if err != nil {
		logger.Fatal("invalid llm provider", zap.Error(err))
	}
	llmService, err := llm.New(llm.Config{
		Provider:     provider,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		OpenAIKey:    cfg.LLM.OpenAIKey,
		AnthropicKey: cfg.LLM.AnthropicKey,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	mux := http.NewServeMux()
	api.NewHandler(repo, llmService, logger).Register(mux)
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("dbPath", dbPath),
			zap.String("provider", string(provider)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down cleanly", zap.Error(err))
	}
}

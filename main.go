// Safai customer support chatbot server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/repo"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/core"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/retriever"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/server"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/store"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
	pkgredis "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/redis"
)

// AppConfig defines all configurable parameters for the service, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8000"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/safai.db"`

	// Infrastructure
	Redis     pkgredis.Config
	Retriever retriever.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Classifier   model.ClassifierModelConfig
	Answer       model.AnswerModelConfig
	Reviewer     model.ReviewerModelConfig
	Prompt       model.PromptConfig
	Conversation model.ConversationConfig

	// Channels
	Messenger server.MessengerConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		logx.Info().Msg("No .env file found, using environment variables")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Fatal().Err(err).Msg("Failed to process environment config")
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})
	logx.Info().Str("env", cfg.Environment).Str("port", cfg.Port).Msg("Starting server")

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()
	logx.Info().Msg("Connected to Redis")

	pool, err := retriever.NewPool(ctx, cfg.Retriever.DatabaseURL)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Postgres pool")
	}
	defer pool.Close()
	logx.Info().Msg("Connected to Postgres")

	genaiCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		genaiCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	genaiClient, err := genai.NewClient(ctx, genaiCfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Gemini client")
	}

	users, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise SQLite store")
	}
	defer users.Close()
	logx.Info().Str("path", cfg.SQLitePath).Msg("SQLite store ready")

	ttl, err := time.ParseDuration(cfg.Conversation.TTL)
	if err != nil {
		logx.Fatal().Err(err).Str("ttl", cfg.Conversation.TTL).Msg("Invalid CONVERSATION_TTL")
	}

	convRepo := repo.NewRedisConversationRepository(rdb, ttl)
	knowledge := retriever.New(pool, genaiClient, cfg.Retriever)

	runner, err := graph.BuildResponseGraph(ctx, graph.Config{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		Classifier:       cfg.Classifier,
		Answer:           cfg.Answer,
		Reviewer:         cfg.Reviewer,
		Prompt:           cfg.Prompt,
		Conversation:     cfg.Conversation,
		ConversationRepo: convRepo,
		Retriever:        knowledge,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build response graph")
	}

	var webhook *server.MessengerWebhook
	if cfg.Messenger.Enabled() {
		webhook = server.NewMessengerWebhook(cfg.Messenger, server.NewMessengerClient(cfg.Messenger), runner)
		logx.Info().Msg("Messenger webhook enabled")
	}

	handler := server.NewHandler(runner, users, convRepo, webhook)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logx.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-runCtx.Done()
	stop()
	logx.Info().Msg("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}

	logx.Info().Msg("Server stopped")
}

// Course authoring server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/api"
	"github.com/shakedshoshan/SkillUp-sub001/internal/config"
	"github.com/shakedshoshan/SkillUp-sub001/internal/conversation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/generation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/lifecycle"
	"github.com/shakedshoshan/SkillUp-sub001/internal/logging"
	"github.com/shakedshoshan/SkillUp-sub001/internal/realtime"
	"github.com/shakedshoshan/SkillUp-sub001/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return goerr.Wrap(err, "failed to initialize database")
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return goerr.Wrap(err, "database health check failed")
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	completion, closeCompletion, err := newCompletion(ctx, cfg.Completion, logger)
	if err != nil {
		return err
	}
	defer closeCompletion()

	sessions := conversation.NewStore(conversation.StoreConfig{
		TTL:          cfg.Session.TTL,
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       logger,
	})
	chat := conversation.NewChatService(sessions,
		agent.NewIntentAnalyzer(completion, logger),
		agent.NewIdeaGenerator(completion, logger),
		completion, logger)

	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize:  cfg.Realtime.BufferSize,
		GracePeriod: cfg.Realtime.GracePeriod,
		Logger:      logger,
	})
	coord := generation.NewCoordinator(hub,
		generation.NewCourseWorkflow(completion, repo, logger),
		generation.CoordinatorConfig{
			Timeout:   cfg.Generation.Timeout,
			Retention: cfg.Generation.Retention,
			Logger:    logger,
		})

	health := api.NewHealthHandler(repo, sessions, coord, hub)

	router := api.NewRouter(api.RouterConfig{
		Sessions: api.NewSessionHandler(sessions, chat),
		Generations: api.NewGenerationHandler(coord, repo,
			realtime.NewSSETransport(hub, cfg.Realtime.QueueSize, cfg.Realtime.SSEKeepalive, logger),
			realtime.NewWebSocketTransport(hub, cfg.Realtime.QueueSize, cfg.AllowedOrigins(), logger)),
		Health:         health,
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
		AccessLog:      true,
		Logger:         logger,
	})

	// Streaming routes need long-lived responses, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	worker := lifecycle.NewWorker(cfg.SweepInterval, logger, sessions, hub, coord)
	worker.OnSweep(health.RecordSweep)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return worker.Run(egCtx)
	})
	eg.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "server failed")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := coord.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Generation jobs did not finish before shutdown", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "server forced to shutdown")
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newCompletion builds the configured provider. Without one, every
// provider-backed operation fails with ErrProviderUnavailable while session
// management keeps working.
func newCompletion(ctx context.Context, cfg config.CompletionConfig, logger *slog.Logger) (agent.Completion, func(), error) {
	switch cfg.Provider {
	case config.ProviderGRPC:
		client, err := agent.NewGrpcCompletion(agent.GrpcCompletionConfig{
			Address:        cfg.Address,
			RequestTimeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to connect to completion service", goerr.V("address", cfg.Address))
		}
		logger.Info("Completion provider ready", "provider", "grpc", "address", cfg.Address)
		return client, client.Close, nil

	case config.ProviderGemini:
		client, err := agent.NewGeminiCompletion(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create Gemini client")
		}
		logger.Info("Completion provider ready", "provider", "gemini", "model", cfg.GeminiModel)
		return agent.WithTimeout(client, cfg.Timeout), func() {}, nil

	default:
		logger.Info("No completion provider configured; chat and generation are disabled")
		return agent.Unavailable{}, func() {}, nil
	}
}

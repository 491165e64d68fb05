// Maestro orchestrator server — serves the HTTP API, manages the
// execution lifecycle, and runs agent team graphs over PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aiops-hub/maestro/pkg/agent"
	"github.com/aiops-hub/maestro/pkg/api"
	"github.com/aiops-hub/maestro/pkg/cleanup"
	"github.com/aiops-hub/maestro/pkg/config"
	"github.com/aiops-hub/maestro/pkg/database"
	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/executor"
	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/masking"
	"github.com/aiops-hub/maestro/pkg/orchestrator"
	"github.com/aiops-hub/maestro/pkg/secrets"
	"github.com/aiops-hub/maestro/pkg/services"
	"github.com/aiops-hub/maestro/pkg/tools"
	"github.com/aiops-hub/maestro/pkg/version"
)

// shutdownGrace bounds how long in-flight executions may finish after a
// shutdown signal; anything still running is marked failed by the next
// start's recovery.
const shutdownGrace = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	// Load .env file when present; a missing file is fine in containers
	// where the environment is injected directly.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No environment file loaded", "path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("Starting maestro",
		"version", version.GitCommit,
		"http_port", cfg.HTTPPort,
		"max_concurrent_executions", cfg.MaxConcurrentExecutions)

	ctx := context.Background()

	// 2. Connect to the database and run migrations
	dbClient, err := database.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		if errors.Is(err, database.ErrMigrationFailed) {
			slog.Error("Database migration failed", "error", err)
			os.Exit(2)
		}
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	executionService := services.NewExecutionService(dbClient.DB())
	logService := services.NewLogService(dbClient.DB())
	catalogService := services.NewCatalogService(dbClient.DB(), cipher)
	toolRegistry := tools.NewBuiltinRegistry()
	validationRegistry := services.NewValidationRegistry(catalogService, toolRegistry)
	teamService := services.NewTeamService(dbClient.DB(), validationRegistry)
	maskingService := masking.NewService()
	slog.Info("Services initialized")

	// 4. Event bus over the durable execution log
	bus := events.NewBus(logService, cfg.HeartbeatInterval, events.DefaultTerminalGrace)

	// 5. LLM access and graph execution
	llmRegistry := llm.NewRegistry(catalogService)
	stepRunner := agent.NewStepRunner(llmRegistry, toolRegistry, bus)
	graphRunner := orchestrator.NewRunner(stepRunner, executionService, bus)

	// 6. Execution lifecycle manager; recovery must finish before the API
	// starts admitting triggers.
	manager := executor.NewManager(executionService, teamService, validationRegistry,
		graphRunner, bus, cfg.MaxConcurrentExecutions, cfg.DefaultExecutionTimeout)
	if err := manager.Recover(ctx); err != nil {
		slog.Error("Failed to recover stranded executions", "error", err)
		os.Exit(1)
	}

	// 7. Retention sweeper
	retention := cleanup.NewService(executionService, cfg.RetentionDays, cfg.CleanupHour)
	retention.Start(ctx)
	defer retention.Stop()

	// 8. HTTP server
	httpServer := api.NewServer(dbClient, teamService, logService, catalogService,
		manager, bus, toolRegistry, maskingService)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Maestro started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then drain in-flight
	// executions.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownGrace)
	defer drainCancel()
	manager.Shutdown(drainCtx)

	slog.Info("Shutdown complete")
}

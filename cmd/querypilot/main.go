// querypilot server — brings up the vault, audit chain, connection pools,
// safety controller, tool registry, and agent workers, then serves until
// signalled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querypilot/querypilot/pkg/config"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/health"
	"github.com/querypilot/querypilot/pkg/orchestrator"
	"github.com/querypilot/querypilot/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("QP_CONFIG", "querypilot.yaml"),
		"Path to the configuration file")
	envPath := flag.String("env-file",
		getEnv("QP_ENV_FILE", ".env"),
		"Path to the .env file")
	healthInterval := flag.Duration("health-interval",
		30*time.Second,
		"Interval between background health sweeps; 0 disables them")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	slog.Info("Starting querypilot",
		"version", version.String(),
		"config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(fault.ExitCode(err))
	}

	ctx := context.Background()
	orc, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(fault.ExitCode(err))
	}

	report := healthSweep(ctx, orc, 10*time.Second)
	slog.Info("Startup health sweep",
		"status", report.Status, "checks", len(report.Results))

	// Background health sweeps publish onto the event bus for any UI
	// subscribers and surface degradation into the log.
	stopHealth := make(chan struct{})
	if *healthInterval > 0 {
		go func() {
			ticker := time.NewTicker(*healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopHealth:
					return
				case <-ticker.C:
					report := healthSweep(ctx, orc, *healthInterval)
					if report.Status != health.StatusOK {
						slog.Warn("Health sweep", "status", report.Status)
					}
				}
			}
		}()
	}

	slog.Info("querypilot started",
		"workers", cfg.Agent.Workers,
		"safety_level", cfg.Safety.Level,
		"connections", len(cfg.Connections))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	close(stopHealth)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	orc.Shutdown(shutdownCtx)
}

func healthSweep(ctx context.Context, orc *orchestrator.Orchestrator, budget time.Duration) health.Report {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return orc.Health(ctx)
}

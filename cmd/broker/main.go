// broker runs the marketplace broker.
// Usage: go run ./cmd/broker --config configs/broker.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/market-broker/internal/config"
	"github.com/rickgao/market-broker/internal/server"
	"github.com/rickgao/market-broker/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting broker",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	srv := server.New(cfg, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	logger.Info("broker running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://%s/health", srv.AdminAddr()),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.BrokerConfig, error) {
	if path == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "broker"
		}
		cfg := config.Default(host)
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

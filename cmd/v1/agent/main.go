package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/t3t-io/screenrelay/internal/v1/agent"
	"github.com/t3t-io/screenrelay/internal/v1/config"
	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/worker"
)

func main() {
	var (
		relayURL   = flag.String("relay", "", "relay WebSocket URL (overrides config)")
		configPath = flag.String("config", "", "path to JSON config file")
		logLevel   = flag.String("log-level", "", "log level (overrides config)")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *relayURL != "" {
		cfg.Agent.RelayURL = *relayURL
	}
	level := cfg.Server.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}

	if err := logging.Initialize(cfg.Server.DevelopmentMode, level); err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg.Agent, nil, nil)
	a := agent.New(cfg.Agent.RelayURL, w)

	logging.Info(ctx, "agent starting",
		zap.String("relay", cfg.Agent.RelayURL),
		zap.String("capture_dir", cfg.Agent.CaptureDir),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error(ctx, "capture loop failed", zap.Error(err))
			stop()
		}
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Error(ctx, "relay connection loop failed", zap.Error(err))
	}

	stop()
	<-done
	logging.Info(context.Background(), "agent exited")
}

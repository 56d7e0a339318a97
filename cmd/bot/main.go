package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"okx-carry-bot/internal/app"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one manage and one scan cycle, then exit")
	status := flag.Bool("status", false, "print the open positions table and exit")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath), zap.String("mode", cfg.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	defer application.Close()

	switch {
	case *status:
		err = application.Status(ctx, os.Stdout)
	case *once:
		err = application.RunOnce(ctx)
	default:
		log.Info("app initialized")
		err = application.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		application.Close()
		os.Exit(1)
	}
}

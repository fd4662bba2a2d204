package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/app/notifier"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/logger"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := notifier.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize notifier", sl.Err(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		log.Error("notifier stopped with error", sl.Err(err))
		os.Exit(1)
	}
	log.Info("notifier stopped gracefully")
}

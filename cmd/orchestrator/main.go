// Package main VPN Orchestrator API
//
// @title           VPN Orchestrator API
// @version         1.0
// @description     Покупка тарифов VPN, подтверждение оплаты и выдача доступа в панели 3x-ui

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/app/orchestrator"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/logger"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	log.Info("starting vpn-orchestrator")
	log.Debug("config loaded", slog.Int("tariffs", len(cfg.Tariffs)), slog.Int("admins", len(cfg.AdminIDs)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := orchestrator.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", sl.Err(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("app stopped with error", sl.Err(err))
		os.Exit(1)
	}

	log.Info("vpn-orchestrator stopped gracefully")
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/app/core"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	grpcserver "github.com/magabrotheeeer/vpn-orchestrator/internal/grpc/server"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/jwt"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/scheduler"
)

const (
	shutdownTimeout     = 15 * time.Second
	healthProbeInterval = 15 * time.Second
)

// App процесс оркестратора.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	core   *core.Core
	server *http.Server
	grpc   *grpcserver.HealthServer
}

// New собирает зависимости и HTTP-сервер.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.orchestrator.New"
	c, err := core.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, RouteDeps{
		Orchestrator: c.Orchestrator,
		Tokens:       jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL),
		Verifier:     c.Gateway,
		Limiter:      middlewarectx.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Health:       c.Store,
		Metrics:      c.Metrics,
	})

	return &App{
		cfg:    cfg,
		logger: logger,
		core:   c,
		server: &http.Server{
			Addr:         cfg.AddressHTTP,
			Handler:      router,
			ReadTimeout:  cfg.TimeoutHTTP,
			WriteTimeout: cfg.TimeoutHTTP,
			IdleTimeout:  cfg.IdleTimeout,
		},
		grpc: grpcserver.NewHealthServer(logger),
	}, nil
}

// Run обслуживает запросы до отмены ctx. С хранилищем в памяти
// повторы и очистка выполняются в этом же процессе.
func (a *App) Run(ctx context.Context) error {
	const op = "app.orchestrator.Run"
	defer a.core.Close()

	lis, err := net.Listen("tcp", a.cfg.AddressGRPC)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	bgCtx, stopBg := context.WithCancel(ctx)
	defer stopBg()
	go a.grpc.Watch(bgCtx, a.core.Store, healthProbeInterval)
	if a.core.InMemory {
		a.logger.Info("running scheduler in-process")
		go scheduler.New(a.logger, a.core.Orchestrator,
			a.cfg.Orchestrator.RetryInterval, a.cfg.Orchestrator.SweepInterval,
			a.cfg.Orchestrator.ReminderInterval).Run(bgCtx)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := a.grpc.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.grpc.Shutdown()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutting down servers gracefully")
		a.grpc.Shutdown()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(timeoutCtx); err != nil {
			a.logger.Error("http shutdown failed", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
}

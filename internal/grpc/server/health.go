// Package server поднимает gRPC-сервер со стандартным health-сервисом.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
)

// ServiceName имя сервиса в health-протоколе.
const ServiceName = "vpn.orchestrator"

// Checker проверяет готовность зависимостей.
type Checker interface {
	CheckDatabaseReady(ctx context.Context) error
}

// HealthServer gRPC-сервер, отдающий состояние оркестратора.
type HealthServer struct {
	log    *slog.Logger
	server *grpc.Server
	health *health.Server
}

// NewHealthServer создаёт сервер в состоянии SERVING.
func NewHealthServer(log *slog.Logger) *HealthServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{
		log:    log,
		server: srv,
		health: h,
	}
}

// Serve принимает соединения до Shutdown.
func (s *HealthServer) Serve(lis net.Listener) error {
	const op = "grpc.server.Serve"
	s.log.Info("grpc health server started", slog.String("address", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Watch периодически проверяет хранилище и переключает статус сервиса.
func (s *HealthServer) Watch(ctx context.Context, checker Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.probe(ctx, checker)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) probe(ctx context.Context, checker Checker) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := checker.CheckDatabaseReady(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("storage is not ready", sl.Err(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Shutdown переводит все сервисы в NOT_SERVING и дожидается активных вызовов.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Package orchestrator собирает HTTP API, gRPC health и фоновые циклы оркестратора.
package orchestrator

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/access/accessget"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/admin/promocreate"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/admin/promolist"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/admin/reviewlist"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/catalog/cataloglist"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/grant/promoredeem"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/grant/trialgrant"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/health"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/purchase/purchasecheck"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/purchase/purchasecreate"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/transaction/transactionget"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/handlers/transaction/transactionlist"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"

	// Регистрация Swagger-описания API.
	_ "github.com/magabrotheeeer/vpn-orchestrator/docs"
)

// RouteDeps зависимости маршрутов.
type RouteDeps struct {
	Orchestrator *orchestrator.Service
	Tokens       middlewarectx.TokenParser
	Verifier     paymentwebhook.Verifier
	Limiter      *middlewarectx.Limiter
	Health       health.Checker
	Metrics      interface {
		paymentwebhook.Metrics
		Handler() http.Handler
	}
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, d RouteDeps) {
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/health", health.New(logger, d.Health).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook шлюза (без JWT, подпись проверяется в обработчике)
		r.Post("/payments/webhook", paymentwebhook.New(logger, d.Verifier, d.Orchestrator, d.Metrics).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(d.Tokens, logger))

			r.With(middlewarectx.RateLimitMiddleware(logger, d.Limiter)).
				Post("/purchases", purchasecreate.New(logger, d.Orchestrator).ServeHTTP)
			r.Post("/purchases/{id}/check", purchasecheck.New(logger, d.Orchestrator).ServeHTTP)
			r.Get("/transactions", transactionlist.New(logger, d.Orchestrator).ServeHTTP)
			r.Get("/transactions/{id}", transactionget.New(logger, d.Orchestrator).ServeHTTP)
			r.Get("/services", cataloglist.New(logger, d.Orchestrator).ServeHTTP)
			r.Get("/access/{service}", accessget.New(logger, d.Orchestrator).ServeHTTP)
			r.With(middlewarectx.RateLimitMiddleware(logger, d.Limiter)).
				Post("/trial", trialgrant.New(logger, d.Orchestrator).ServeHTTP)
			r.With(middlewarectx.RateLimitMiddleware(logger, d.Limiter)).
				Post("/promos/redeem", promoredeem.New(logger, d.Orchestrator).ServeHTTP)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middlewarectx.AdminOnly(logger, d.Orchestrator))
				r.Get("/reviews", reviewlist.New(logger, d.Orchestrator).ServeHTTP)
				r.Post("/promos", promocreate.New(logger, d.Orchestrator).ServeHTTP)
				r.Get("/promos", promolist.New(logger, d.Orchestrator).ServeHTTP)
			})
		})
	})

	r.Handle("/metrics", d.Metrics.Handler())
	r.Get("/docs/*", httpSwagger.WrapHandler)
}

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/distsync"
	"github.com/paygate-dev/paygate/internal/expiry"
	"github.com/paygate-dev/paygate/internal/gate"
	"github.com/paygate-dev/paygate/internal/httputil"
	"github.com/paygate-dev/paygate/internal/idempotency"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/logger"
	"github.com/paygate-dev/paygate/internal/metrics"
	"github.com/paygate-dev/paygate/internal/stripewebhook"
	"github.com/paygate-dev/paygate/internal/taskmanager"
	"github.com/paygate-dev/paygate/internal/usagemeter"
	"github.com/paygate-dev/paygate/internal/webhook"
	"github.com/paygate-dev/paygate/internal/x402gate"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	gate       *gate.Gate
	keys       *keystore.Store
	groups     *keystore.GroupStore
	meter      *usagemeter.Meter
	tasks      *taskmanager.Manager
	grants     *expiry.CreditExpirationManager
	sync       *distsync.Sync // nil when distributed sync is disabled
	webhooks   *webhook.Emitter
	stripe     *stripewebhook.Handler // nil when Stripe is disabled
	x402       *x402gate.Handler      // nil when x402 is disabled
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	backend    *http.Client
	startedAt  time.Time
	idempotent *idempotency.MemoryStore
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, g *gate.Gate, keys *keystore.Store, groups *keystore.GroupStore, meter *usagemeter.Meter, tasks *taskmanager.Manager, grants *expiry.CreditExpirationManager, ds *distsync.Sync, webhooks *webhook.Emitter, stripeHandler *stripewebhook.Handler, x402Handler *x402gate.Handler, m *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:       cfg,
			gate:      g,
			keys:      keys,
			groups:    groups,
			meter:     meter,
			tasks:     tasks,
			grants:    grants,
			sync:      ds,
			webhooks:  webhooks,
			stripe:    stripeHandler,
			x402:      x402Handler,
			metrics:   m,
			logger:    appLogger,
			backend:    httputil.NewClient(cfg.Gate.BackendTimeout.Duration),
			startedAt:  time.Now(),
			idempotent: idempotency.NewMemoryStore(),
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, &s.handlers)

	return s
}

// ConfigureRouter attaches PayGate routes to an existing router.
func ConfigureRouter(router chi.Router, h *handlers) {
	if router == nil {
		return
	}
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied to all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MiB default per spec.md §6
	}
	router.Use(bodyLimitMiddleware(maxBody))

	// Lightweight endpoints: health + metrics, 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.Handle("/metrics", promhttp.Handler())
	})

	// Client surface. httprate is a coarse per-IP limiter ahead of Gate's own
	// per-key/per-tool windows (defense in depth against a single source
	// hammering /mcp before a key is even resolved).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Post("/mcp", h.handleMCP)
		r.Get("/balance", h.getBalance)
	})
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/dashboard", h.dashboard)
	})

	// Admin surface, all behind X-Admin-Key.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(adminAuthMiddleware(cfg.Server.AdminKey))
		// Retried admin mutations (topups, key creation) carrying the same
		// Idempotency-Key replay their original response instead of double-applying.
		r.Use(idempotency.Middleware(h.idempotent, idempotency.DefaultTTL))

		r.Post("/keys", h.createKey)
		r.Get("/keys", h.listKeys)
		r.Post("/keys/revoke", h.revokeKey)
		r.Post("/keys/suspend", h.suspendKey)
		r.Post("/keys/resume", h.resumeKey)
		r.Post("/keys/clone", h.cloneKey)
		r.Post("/keys/rotate", h.rotateKey)
		r.Post("/keys/acl", h.setKeyACL)
		r.Post("/keys/expiry", h.setKeyExpiry)
		r.Post("/keys/ip", h.setKeyIPAllowlist)
		r.Post("/keys/tags", h.setKeyTags)
		r.Post("/keys/auto-topup", h.setKeyAutoTopup)
		r.Post("/keys/alias", h.setKeyAlias)

		r.Post("/topup", h.topup)
		r.Post("/limits", h.setSpendingLimit)
		r.Get("/usage", h.usageSummary)
		r.Get("/audit", h.auditLog)

		r.Post("/stripe/webhook", h.stripeWebhook)
		r.Post("/x402/verify", h.x402Verify)

		r.Post("/webhooks/filters", h.setWebhookFilters)
		r.Post("/webhooks/filters/update", h.updateWebhookFilters)

		r.Get("/admin/credit-allocation", h.creditAllocation)
		r.Get("/admin/consumer-lifetime-value", h.consumerLifetimeValue)
		r.Get("/admin/quotas", h.quotaSnapshot)
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.idempotent.Stop()
	return s.httpServer.Shutdown(ctx)
}

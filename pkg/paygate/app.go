// Package paygate wires the admission-control proxy's components into a
// runnable App, the way the teacher's pkg/cedros package wires the paywall
// service: a single constructor building every collaborator from Config,
// plus a lifecycle.Manager so shutdown order is the reverse of construction
// order.
package paygate

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/circuitbreaker"
	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/distsync"
	"github.com/paygate-dev/paygate/internal/expiry"
	"github.com/paygate-dev/paygate/internal/gate"
	"github.com/paygate-dev/paygate/internal/httpserver"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/lifecycle"
	"github.com/paygate-dev/paygate/internal/logger"
	"github.com/paygate-dev/paygate/internal/metrics"
	"github.com/paygate-dev/paygate/internal/ratelimiter"
	"github.com/paygate-dev/paygate/internal/stripewebhook"
	"github.com/paygate-dev/paygate/internal/taskmanager"
	"github.com/paygate-dev/paygate/internal/usagemeter"
	"github.com/paygate-dev/paygate/internal/webhook"
	"github.com/paygate-dev/paygate/internal/x402gate"
)

// App wires the PayGate components for reuse or standalone serving.
type App struct {
	Config *config.Config

	Keys   *keystore.Store
	Groups *keystore.GroupStore
	Gate   *gate.Gate
	Meter  *usagemeter.Meter
	Tasks  *taskmanager.Manager
	Grants *expiry.CreditExpirationManager
	Sync   *distsync.Sync // nil when distributed sync is disabled
	Server *httpserver.Server

	scanner  *expiry.Scanner
	webhooks *webhook.Emitter
	breakers *circuitbreaker.Manager

	resources *lifecycle.Manager
	logger    zerolog.Logger
}

// New constructs an App from configuration. It starts the task manager's
// timeout sweep loop; distributed sync, the expiry scanner and the startup
// banner wait for Start, and the HTTP listener for Server.ListenAndServe.
func New(cfg *config.Config) (*App, error) {
	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "paygate",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	m := metrics.New(prometheus.DefaultRegisterer)

	keys, err := keystore.New(cfg.KeyStore, appLogger)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	resources.RegisterFunc("keystore", keys.Close)

	groups := keystore.NewGroupStore()

	limiter := ratelimiter.New()
	meter := usagemeter.New(cfg.UsageMeter.Capacity, cfg.UsageMeter.TrimFraction)

	g := gate.New(keys, groups, limiter, meter, cfg.Gate, cfg.RateLimit, m, appLogger)

	tasks := taskmanager.New(cfg.TaskManager, m, appLogger)
	resources.RegisterFunc("taskmanager", tasks.Close)
	tasks.Start()

	grants := expiry.NewCreditExpirationManager(cfg.Expiry.MaxGrantsPerKey, cfg.Expiry.MaxTrackedKeys, m)

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	webhooks := webhook.New(cfg.Webhook, breakers, m, appLogger)
	g.OnEvent(func(ev gate.Event) {
		webhooks.Emit(webhook.Event{
			ID:        ev.Fingerprint + ":" + ev.Name,
			Type:      ev.Name,
			Timestamp: time.Now(),
			Data:      ev.Data,
		})
	})

	var ds *distsync.Sync
	if cfg.DistSync.Enabled {
		ds, err = distsync.New(cfg.DistSync, keys, groups, m, appLogger)
		if err != nil {
			return nil, fmt.Errorf("distsync: %w", err)
		}
		g.SetDebiter(ds)
		resources.RegisterFunc("distsync", ds.Close)
	}

	var scanner *expiry.Scanner
	if cfg.Expiry.Enabled {
		scanner = expiry.New(keys, durationsOf(cfg.Expiry.WarnThresholds), cfg.Expiry.ScanInterval.Duration, func(fp, name string, threshold time.Duration, expiresAt time.Time) {
			webhooks.Emit(webhook.Event{
				ID:        fp + ":expiry_warning:" + threshold.String(),
				Type:      "key_expiry_warning",
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"fingerprint": keystore.TruncateFingerprint(fp),
					"keyName":     name,
					"expiresAt":   expiresAt,
					"threshold":   threshold.String(),
				},
			})
		}, m, appLogger)
		resources.RegisterFunc("expiry-scanner", scanner.Close)
	}

	var stripeHandler *stripewebhook.Handler
	if cfg.Stripe.Enabled {
		stripeHandler = stripewebhook.New(cfg.Stripe, keys, breakers, m, appLogger)
	}

	var x402Handler *x402gate.Handler
	if cfg.X402.Enabled {
		x402Handler, err = x402gate.New(cfg.X402, keys, breakers, m, appLogger)
		if err != nil {
			return nil, fmt.Errorf("x402gate: %w", err)
		}
	}

	server := httpserver.New(cfg, g, keys, groups, meter, tasks, grants, ds, webhooks, stripeHandler, x402Handler, m, appLogger)

	return &App{
		Config:    cfg,
		Keys:      keys,
		Groups:    groups,
		Gate:      g,
		Meter:     meter,
		Tasks:     tasks,
		Grants:    grants,
		Sync:      ds,
		Server:    server,
		scanner:   scanner,
		webhooks:  webhooks,
		breakers:  breakers,
		resources: resources,
		logger:    appLogger,
	}, nil
}

// Start brings up background loops (distributed sync bootstrap/subscribe,
// expiry scanner) and logs the startup banner spec.md §6 requires. It does
// not block; call Server.ListenAndServe separately.
func (a *App) Start(ctx context.Context) error {
	if a.Sync != nil {
		if err := a.Sync.Bootstrap(ctx); err != nil {
			a.logger.Error().Err(err).Msg("paygate.distsync_bootstrap_failed")
		}
		a.Sync.Start(ctx)
	}
	if a.scanner != nil {
		a.scanner.Start()
	}

	a.logFeatureBanner()
	return nil
}

// Shutdown tears down background resources in LIFO order.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Server.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("paygate.http_shutdown_failed")
	}
	return a.resources.Close()
}

func (a *App) logFeatureBanner() {
	if zerolog.GlobalLevel() == zerolog.Disabled {
		return
	}
	addr := a.Config.Server.Address
	a.logger.Info().
		Str("address", addr).
		Bool("shadow-mode", a.Config.Gate.ShadowMode).
		Bool("webhooks", a.Config.Webhook.Enabled).
		Bool("quotas", a.Config.Quota.Enabled).
		Bool("expiry-scanner", a.Config.Expiry.Enabled).
		Bool("distributed-sync", a.Config.DistSync.Enabled).
		Bool("stripe", a.Config.Stripe.Enabled).
		Bool("x402", a.Config.X402.Enabled).
		Msg(fmt.Sprintf("Listening on port %s", portOf(addr)))
}

func portOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return addr
}

func durationsOf(ds []config.Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d.Duration
	}
	return out
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-review/internal/application"
	"github.com/bryanwahyu/automaton-review/internal/application/access"
	appanalysis "github.com/bryanwahyu/automaton-review/internal/application/analysis"
	"github.com/bryanwahyu/automaton-review/internal/application/eviction"
	"github.com/bryanwahyu/automaton-review/internal/application/notify"
	"github.com/bryanwahyu/automaton-review/internal/application/registry"
	"github.com/bryanwahyu/automaton-review/internal/application/store"
	"github.com/bryanwahyu/automaton-review/internal/config"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-review/internal/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, newLogger(cfg, os.Stderr))
	},
}

// app is the wired service graph shared by every command.
type app struct {
	backend  domain.Backend
	store    *store.Store
	hub      *notify.Hub
	registry *registry.Registry
	eviction *eviction.Manager
	svc      *appanalysis.Service
}

// build connects the durable tier, warms the store and wires the components.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st := store.New(backend, logger.With("component", "store"))
	n, err := st.Load(ctx)
	if err != nil {
		_ = closeBackend(backend)
		return nil, err
	}
	logger.Info("store loaded", "backend", cfg.Store.Backend, "records", n)

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		_ = closeBackend(backend)
		return nil, err
	}

	clock := application.SystemClock{}
	checker := access.NewChecker(st)
	hub := notify.NewHub(st, checker, notify.Timeouts{
		Initial: cfg.Notify.Initial,
		Total:   cfg.Notify.Total,
	}, logger)
	reg := registry.New(registry.Config{
		Workers:              cfg.Registry.Workers,
		MaxQueueDepth:        cfg.Registry.MaxQueueDepth,
		Watchdog:             cfg.Registry.Watchdog,
		DefaultTTL:           cfg.Registry.DefaultTTL,
		DefaultMaxRetrievals: cfg.Registry.DefaultMaxRetrievals,
		MaxCodeBytes:         cfg.Registry.MaxCodeBytes,
	}, st, analyzer, hub, clock, logger)
	ev := eviction.NewManager(eviction.Config{
		Interval:      cfg.Eviction.Interval,
		MaxTotalBytes: cfg.Eviction.MaxTotalBytes,
	}, st, clock, logger)
	ev.OnEvict = func(rec *domain.Record, _ string) {
		reg.Forget(rec.ID)
		hub.StatusChanged(rec)
	}

	return &app{
		backend:  backend,
		store:    st,
		hub:      hub,
		registry: reg,
		eviction: ev,
		svc: &appanalysis.Service{
			Store:    st,
			Registry: reg,
			Access:   checker,
			Eviction: ev,
			Hub:      hub,
			Log:      logger,
		},
	}, nil
}

// close stops the workers, flushes the store and releases the backend, in that order.
func (a *app) close(ctx context.Context, logger *slog.Logger) {
	if err := a.registry.Shutdown(ctx); err != nil {
		logger.Warn("registry shutdown incomplete", "err", err)
	}
	a.hub.Close()
	if err := a.store.Close(ctx); err != nil {
		logger.Error("store flush failed", "err", err)
	}
	if err := closeBackend(a.backend); err != nil {
		logger.Error("backend close failed", "err", err)
	}
}

func closeBackend(b domain.Backend) error {
	if b == nil {
		return nil
	}
	return b.Close()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, 0)
		defer limiter.Close()
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpserver.NewRouter(httpserver.Options{
			Service:        a.svc,
			Logger:         logger,
			AdminKeys:      cfg.AdminKeys(),
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			RateLimiter:    limiter,
			TrustedProxies: proxies,
			Health: map[string]middleware.HealthChecker{
				"store": middleware.PingChecker{Target: a.store},
			},
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			WS: httpserver.WSConfig{
				ReadLimit:    cfg.Server.MaxBodyBytes,
				PingInterval: cfg.Notify.PingInterval,
				WriteTimeout: cfg.Notify.WriteTimeout,
			},
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.eviction.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		// graceful shutdown
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("shutdown error", "err", err)
		}
		a.close(sctx, logger)
		return nil
	})
	return g.Wait()
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickwarner/decisionengine/internal/analytics"
	"github.com/patrickwarner/decisionengine/internal/api"
	"github.com/patrickwarner/decisionengine/internal/app"
	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/db"
	"github.com/patrickwarner/decisionengine/internal/geoip"
	"github.com/patrickwarner/decisionengine/internal/logic/ratelimit"
	"github.com/patrickwarner/decisionengine/internal/observability"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing()
	}

	metricsRegistry := observability.NewPrometheusRegistry()
	comps := app.Build(cfg, logger, metricsRegistry)

	var store *db.RedisStore
	if cfg.RedisAddr != "" {
		var err error
		store, err = db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer store.Close()
	}

	var allowlistSource api.AllowlistSource
	if cfg.PostgresDSN != "" {
		pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pg.Close()
		allowlistSource = pg
	}

	var analyticsSvc analytics.AnalyticsService
	if cfg.ClickHouseDSN != "" {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metricsRegistry,
			cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer ch.Close()
		analyticsSvc = ch
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		var err error
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("failed to load geoip db: %w", err)
		}
		defer func() { _ = geoSvc.Close() }()
	}

	limiter := ratelimit.NewDomainLimiter(ratelimit.Config{
		RPS:     cfg.RateLimitRPS,
		Burst:   cfg.RateLimitBurst,
		Enabled: cfg.RateLimitEnabled,
	}, metricsRegistry)

	srvDeps := api.NewServer(logger, comps.Engine, comps.Search, store, allowlistSource, comps.Allowlist,
		analyticsSvc, geoSvc, limiter, comps.Caches(), metricsRegistry, cfg)

	if allowlistSource != nil {
		if err := srvDeps.ReloadAllowlist(ctx); err != nil {
			return fmt.Errorf("load channel allowlist: %w", err)
		}
	}

	if store != nil {
		err := store.SubscribeInvalidations(ctx, func(name string) {
			if srvDeps.InvalidateCaches(name) {
				logger.Info("cache invalidated by broadcast", zap.String("cache", name))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe cache invalidations: %w", err)
		}
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Decision server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 && allowlistSource != nil {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.ReloadAllowlist(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.CacheDrainTimeout)
	defer cancelDrain()
	if err := comps.Close(drainCtx); err != nil {
		logger.Warn("cache drain incomplete", zap.Error(err))
	}
	if err := srvDeps.WaitEvents(drainCtx); err != nil {
		logger.Warn("decision events pending at shutdown", zap.Error(err))
	}
	return nil
}

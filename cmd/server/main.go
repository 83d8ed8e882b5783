package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/Skotchmaster/sessionguard/internal/config"
	"github.com/Skotchmaster/sessionguard/internal/db"
	"github.com/Skotchmaster/sessionguard/internal/httpserver"
	"github.com/Skotchmaster/sessionguard/internal/logging"
	"github.com/Skotchmaster/sessionguard/internal/metrics"
	"github.com/Skotchmaster/sessionguard/internal/mykafka"
	"github.com/Skotchmaster/sessionguard/internal/repo"
	"github.com/Skotchmaster/sessionguard/internal/service"
	"github.com/Skotchmaster/sessionguard/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// The database always holds users; refresh tokens live in it too unless
	// TOKEN_STORE=redis.
	driver := db.DriverPostgres
	if cfg.TokenStore == config.StoreSQLite {
		driver = db.DriverSQLite
	}
	gdb, err := db.Open(ctx, driver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeDB(logger, gdb)

	if err := db.Migrate(ctx, gdb, driver); err != nil {
		return err
	}

	store, closeStore, err := openTokenStore(ctx, cfg, gdb)
	if err != nil {
		return err
	}
	defer closeStore()

	issuer, err := tokens.NewIssuer(store, tokens.Options{
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	})
	if err != nil {
		return err
	}

	meterProvider, metricsHandler, err := metrics.NewPrometheusProvider()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(meterProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("meter_provider_shutdown_failed", "error", err)
		}
	}()
	m, err := metrics.New(otel.Meter(metrics.MeterName))
	if err != nil {
		return err
	}

	users := repo.NewUserRepo(gdb)
	engine := &service.Engine{
		Issuer:      issuer,
		Store:       store,
		Subjects:    users,
		EventsTopic: cfg.KafkaTopic,
		Metrics:     m,
	}
	if len(cfg.KafkaBrokers) > 0 {
		prod, err := mykafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return err
		}
		defer func() {
			if err := prod.Close(); err != nil {
				logger.Warn("kafka_close_failed", "error", err)
			}
		}()
		engine.Events = prod
	} else {
		logger.Info("security events disabled", "reason", "KAFKA_BROKERS is empty")
	}

	e := httpserver.New(&httpserver.Deps{
		Auth:               &service.AuthService{Engine: engine, Users: users},
		Issuer:             issuer,
		Logger:             logger,
		Ready:              store.Ping,
		Metrics:            metricsHandler,
		CookieSecure:       cfg.CookieSecure,
		CSRFEnabled:        cfg.CSRFEnabled,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	if cfg.GCIntervalMinutes > 0 {
		go runGC(ctx, logger, engine, cfg.GCInterval(), cfg.GCRetention())
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "token_store", cfg.TokenStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

func openTokenStore(ctx context.Context, cfg *config.Config, gdb *gorm.DB) (repo.TokenStore, func(), error) {
	if cfg.TokenStore != config.StoreRedis {
		return repo.NewGormTokenStore(gdb, nil), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return repo.NewRedisTokenStore(rdb, cfg.GCRetention(), nil), func() { _ = rdb.Close() }, nil
}

func runGC(ctx context.Context, logger *slog.Logger, engine *service.Engine, every, retention time.Duration) {
	l := logger.With("svc", "token_gc")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.PurgeExpired(ctx, retention)
			if err != nil {
				l.Error("purge_failed", "error", err)
				continue
			}
			if n > 0 {
				l.Info("purged expired tokens", "count", n)
			}
		}
	}
}

func closeDB(logger *slog.Logger, gdb *gorm.DB) {
	if err := db.Close(gdb); err != nil {
		logger.Error("db close error", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-presence/internal/config"
	"github.com/example/ride-presence/internal/geo"
	httpapi "github.com/example/ride-presence/internal/http"
	"github.com/example/ride-presence/internal/ingest"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/storage"
)

const migrationFile = "001_create_active_users.sql"

func main() {
	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "presence-table")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("presence table stopped", zap.Error(err))
	}
}

func run(cfg config.ServerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rc.Close() }()
	}

	store, closeStore, err := openStore(ctx, cfg, rc, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	brokers := config.SplitAndTrim(cfg.KafkaBrokers)
	var events ingest.Publisher = ingest.Nop{}
	if len(brokers) > 0 {
		events = ingest.NewKafkaProducer(brokers, cfg.KafkaTopic)
		logger.Info("publishing presence events", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer func() { _ = events.Close() }()

	// With Kafka and Redis both configured the consumer mirrors events into the
	// shared Redis index; otherwise the server keeps its own in-memory index.
	var index geo.Geo = geo.NewIndex()
	mirror := true
	if len(brokers) > 0 && rc != nil {
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		mirror = false
	}

	checks := []httpapi.HealthOption{httpapi.WithCheck(cfg.StoreBackend, 3*time.Second, store.Ping)}
	if rc != nil {
		checks = append(checks, httpapi.WithCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		}))
	}

	limiter := httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	api := httpapi.NewTableServer(store, index, events, logger, httpapi.TableOptions{
		Window:    cfg.Window,
		MirrorGeo: mirror,
		Limiter:   limiter,
		Health:    httpapi.NewHealthHandler("presence-table", checks...),
	})
	if err := api.WarmGeo(ctx); err != nil {
		logger.Warn("warming geo index failed", zap.Error(err))
	}

	reaper := &storage.Reaper{
		Store:    store,
		Window:   cfg.Window,
		Grace:    cfg.ReaperGrace,
		Interval: cfg.ReaperInterval,
		Logger:   logger,
	}
	// reaped rows emit no delete events, so the index is pruned on its own schedule
	pruner := &storage.Reaper{
		Index:    index,
		Window:   cfg.Window,
		Grace:    cfg.ReaperGrace,
		Interval: cfg.GeoPruneInterval,
		Logger:   logger,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("presence table listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return limiter.Run(gCtx) })
	g.Go(func() error { return reaper.Run(gCtx) })
	g.Go(func() error { return pruner.Run(gCtx) })
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down presence table")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, rc *redis.Client, logger *zap.Logger) (storage.PresenceStore, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := migrate(ctx, pg); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
			logger.Info("migration applied", zap.String("file", migrationFile))
		}
		return pg, func() { _ = pg.Close() }, nil
	case "redis":
		return storage.NewRedisStore(rc), func() {}, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func migrate(ctx context.Context, pg *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

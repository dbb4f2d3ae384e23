package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-presence/internal/config"
	"github.com/example/ride-presence/internal/geo"
	httpapi "github.com/example/ride-presence/internal/http"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

const maxBackoff = 30 * time.Second

var errUnknownEvent = errors.New("unknown event type")

// GeoUpdater is the part of the geo index the consumer maintains.
type GeoUpdater interface {
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	Remove(ctx context.Context, id string) error
}

func main() {
	cfg, err := config.LoadConsumerConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "presence-consumer")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("consumer stopped", zap.Error(err))
	}
}

func run(cfg config.ConsumerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rc.Close() }()
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	brokers := config.SplitAndTrim(cfg.KafkaBrokers)
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", httpapi.NewHealthHandler("presence-consumer"))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("consumer listening",
			zap.String("topic", cfg.KafkaTopic), zap.Strings("brokers", brokers), zap.String("group", cfg.KafkaGroup))
		consume(gCtx, r, index, cfg, logger)
		return nil
	})
	return g.Wait()
}

// consume reads presence events until ctx is done. Read errors back off
// exponentially; an event that still fails after retries is logged and skipped.
func consume(ctx context.Context, r *kafka.Reader, g GeoUpdater, cfg config.ConsumerConfig, logger *zap.Logger) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var ev models.PresenceEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			observability.EventsConsumed.WithLabelValues("unknown", "invalid").Inc()
			logger.Warn("invalid message", zap.Error(err), zap.Int64("offset", m.Offset))
			continue
		}
		err = applyWithRetry(ctx, g, ev, cfg.RetryAttempts, cfg.RetryDelay)
		observability.EventsConsumed.WithLabelValues(string(ev.Type), observability.Result(err)).Inc()
		if err != nil {
			observability.GeoUpdateErrors.Inc()
			logger.Error("geo update failed", zap.String("id", ev.Record.ID), zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// applyWithRetry applies ev to the geo index, doubling delay between attempts.
func applyWithRetry(ctx context.Context, g GeoUpdater, ev models.PresenceEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		switch ev.Type {
		case models.EventUpsert:
			err = g.Upsert(ctx, ev.Record)
		case models.EventDelete:
			err = g.Remove(ctx, ev.Record.ID)
		default:
			return fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
		}
		if err == nil {
			return nil
		}
		if i < attempts-1 {
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-presence/internal/config"
	"github.com/example/ride-presence/internal/dispatch"
	"github.com/example/ride-presence/internal/engine"
	httpapi "github.com/example/ride-presence/internal/http"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/matcher"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/remote"
	"github.com/example/ride-presence/internal/storage"
	"github.com/example/ride-presence/internal/tracker"
)

func main() {
	cfg, err := config.LoadViewerConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "presence-viewer")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("viewer stopped", zap.Error(err))
	}
}

func run(cfg config.ViewerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var table engine.Table
	if cfg.TableURL != "" {
		table = remote.NewHTTPTable(cfg.TableURL, cfg.TableTimeout)
		logger.Info("using remote presence table", zap.String("url", cfg.TableURL))
	} else {
		table = storage.NewMemoryStore()
		logger.Warn("TABLE_URL not set; using an in-process table visible to this viewer only")
	}

	var (
		source tracker.LocationSource
		push   *tracker.PushSource
	)
	if cfg.HasFixed {
		source = tracker.StaticSource{Coord: models.Coord{Lat: cfg.FixedLat, Lng: cfg.FixedLng}}
	} else {
		push = tracker.NewPushSource()
		source = push
	}

	tr := tracker.New(table, source, logger)
	ranker := &matcher.Service{
		TopN: cfg.MatcherTopN,
		Pricing: matcher.Policy{
			PricePerKm:        cfg.PricePerKm,
			MinPrice:          cfg.MinPrice,
			AssumedDistanceKm: cfg.AssumedDistanceKm,
			Mode:              matcher.PricingMode(cfg.PricingMode),
		},
		ContactBaseURL: cfg.ContactBaseURL,
	}
	eng := engine.New(table, tr, logger, engine.Options{
		Window:            cfg.Window,
		SyncPeriodSeconds: cfg.SyncPeriodSeconds,
		Matcher:           ranker,
	})
	tr.StartWatching(ctx)

	hub := dispatch.NewHub(logger)
	views, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	go hub.Pump(views)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewViewerServer(ctx, eng, push, hub, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("viewer listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return eng.Run(gCtx) })
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down viewer")
		// leaving cleanly removes the record instead of waiting out the window
		eng.GoOffline(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

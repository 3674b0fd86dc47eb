package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/billing"
	"github.com/example/dispatch-engine/internal/config"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/engine"
	"github.com/example/dispatch-engine/internal/httpapi"
	"github.com/example/dispatch-engine/internal/identity"
	"github.com/example/dispatch-engine/internal/ingest"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/storage"
	"github.com/example/dispatch-engine/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	deps := engine.Deps{Logger: logger}

	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigration(cfg.PGDSN, filepath.Join("migrations", "001_create_trip_events.sql")); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "file", "001_create_trip_events.sql")
		}
		store, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		deps.Store = store
	}

	if cfg.IdentityEndpoint != "" {
		deps.Directory = identity.NewHTTPDirectory(cfg.IdentityEndpoint)
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		deps.Positions = producer
	}

	if cfg.StripeAPIKey != "" {
		deps.Biller = billing.NewStripeBiller(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	wsReg := dispatch.NewWSRegistry(logger)
	sinks := dispatch.Fallback{wsReg}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	deps.Sink = sinks

	eng := engine.New(engine.Config{
		Freshness:        cfg.Freshness,
		SearchRadiusKm:   cfg.SearchRadiusKm,
		WidenedRadiusKm:  cfg.WidenedRadiusKm,
		CandidateLimit:   cfg.CandidateLimit,
		MinCandidates:    cfg.MinCandidates,
		OfferFanout:      cfg.OfferFanout,
		OfferWindow:      cfg.OfferWindow,
		MaxMatchAttempts: cfg.MaxMatchAttempts,
		RetryDelay:       cfg.RetryDelay,
		AvgSpeedKmh:      cfg.AvgSpeedKmh,
		Fares:            trip.FarePolicy{Base: cfg.FareBase, PerKm: cfg.FarePerKm, Minimum: cfg.FareMinimum},
		TripRetention:    cfg.TripRetention,
	}, deps)

	stop := make(chan struct{})
	go reapLoop(eng, cfg.ReapInterval, stop)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, wsReg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("dispatch server stopped")
}

func reapLoop(eng *engine.Engine, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			eng.ReapIndex()
		case <-stop:
			return
		}
	}
}

func runMigration(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

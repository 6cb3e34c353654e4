package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/httpapi"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/match"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/reaper"
	"github.com/example/taxi-dispatch/internal/routing"
	"github.com/example/taxi-dispatch/internal/settlement"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := applyMigrations(ctx, pg); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = pg
	} else {
		logger.Warn("PG_DSN unset, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var shortlist match.Shortlister
	var geoUpdater httpapi.GeoUpdater
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, matching falls back to store scans", "error", err)
		} else {
			rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
			shortlist = rg
			geoUpdater = rg
		}
		defer rc.Close()
	}

	var locations *ingest.LocationProducer
	var events *dispatch.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		locations = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
		events = dispatch.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaRideEventTopic, logger)
		defer events.Close()
	}

	var push *dispatch.FCMPusher
	if cfg.FCMServerKey != "" {
		push = dispatch.NewFCMPusher(cfg.FCMServerKey, logger)
	}
	hub := dispatch.NewHub(dispatch.NewWSRegistry(logger), events, push, logger)

	var router routing.Provider = routing.Offline{AvgSpeedKmph: cfg.AvgSpeedKmph}
	if cfg.MapsAPIKey != "" {
		router = routing.NewGoogle(routing.GoogleOptions{
			BaseURL:         cfg.MapsBaseURL,
			APIKey:          cfg.MapsAPIKey,
			UseTraffic:      cfg.MapsUseTraffic,
			IncludePolyline: cfg.MapsIncludePolyline,
			Timeout:         cfg.MapsTimeout,
			MaxRetries:      cfg.MapsMaxRetries,
			Backoff:         cfg.MapsBackoff,
			CacheTTL:        cfg.MapsRouteCacheTTL,
		}, routing.Offline{AvgSpeedKmph: cfg.AvgSpeedKmph}, logger)
	}

	var breaker settlement.Breaker = settlement.NopBreaker{}
	if cfg.BreakerThreshold > 0 {
		breaker = settlement.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	ledger := settlement.NewLedgerClient(cfg.PaymentsBaseURL, cfg.PaymentsSecret, cfg.PaymentsTimeout)
	settler := settlement.NewService(ledger, breaker, logger, cfg.EscrowWalletPhone, cfg.PoolWalletPhone, cfg.FeeWalletPhone)

	var cards settlement.CardEscrow
	if cfg.StripeAPIKey != "" {
		cards = settlement.NewStripeEscrow(cfg.StripeAPIKey, "usd")
	}

	guard := fraud.NewGuard(cfg, logger)
	matcher := match.NewMatcher(cfg, shortlist, logger)
	pricer := pricing.NewEngine(cfg, router)
	rides := lifecycle.NewService(cfg, store, matcher, pricer, guard, settler, cards, router, hub, logger)
	wallets := wallet.NewService(store, settler, logger)
	reap := reaper.New(cfg, store, rides, logger)

	go reap.Run(ctx)
	go settlement.NewDrainer(store, ledger, breaker, logger, cfg.OutboxDrainInterval, cfg.OutboxMaxAttempts).Run(ctx)

	api := httpapi.NewServer(cfg, httpapi.Deps{
		Store:     store,
		Rides:     rides,
		Wallets:   wallets,
		Reaper:    reap,
		Breaker:   breaker,
		Guard:     guard,
		Geo:       geoUpdater,
		Locations: locations,
		Hub:       hub,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func applyMigrations(ctx context.Context, pg *storage.PostgresStore) error {
	entries, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := pg.Exec(ctx, string(b)); err != nil {
			return err
		}
	}
	return nil
}

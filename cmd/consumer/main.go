// The consumer drains the driver-location topic into the Redis geo index and
// the driver_locations table, so matching shortlists stay warm even when
// location updates arrive through Kafka rather than the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed.",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total malformed messages skipped.",
	})
	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_sink_errors_total",
		Help: "Total location updates dropped after retries.",
	})
	sinkApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_sink_applied_total",
		Help: "Total location updates applied.",
	})
)

// LocationSink applies one location update to a backing store.
type LocationSink interface {
	Apply(ctx context.Context, u ingest.LocationUpdate) error
}

// combinedSink fans a location update out to the geo index and the database.
// Either side may be absent.
type combinedSink struct {
	geo   *geo.RedisGeo
	store storage.Store
}

func (s *combinedSink) Apply(ctx context.Context, u ingest.LocationUpdate) error {
	loc := models.Coord{Lat: u.Lat, Lon: u.Lon}
	if s.geo != nil {
		if err := s.geo.Update(ctx, u.DriverID, loc, u.At); err != nil {
			return err
		}
	}
	if s.store != nil {
		return s.store.InTx(ctx, func(tx storage.Tx) error {
			return tx.UpsertDriverLocation(ctx, &models.DriverLocation{
				DriverID:  u.DriverID,
				Loc:       loc,
				UpdatedAt: u.At,
			})
		})
	}
	return nil
}

// applyWithRetry retries transient sink failures with doubling delay.
func applyWithRetry(ctx context.Context, sink LocationSink, u ingest.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Apply(ctx, u); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// handleMessage decodes and applies one Kafka message. Malformed payloads are
// counted and skipped, they never stall the partition.
func handleMessage(ctx context.Context, sink LocationSink, value []byte) {
	msgsConsumed.Inc()
	var u ingest.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil || u.DriverID == "" {
		msgsInvalid.Inc()
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if err := applyWithRetry(ctx, sink, u, 3, 200*time.Millisecond); err != nil {
		sinkErrors.Inc()
		return
	}
	sinkApplied.Inc()
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := &combinedSink{}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		sink.geo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		sink.store = pg
	}
	if sink.geo == nil && sink.store == nil {
		logger.Error("nothing to sink into, set REDIS_ADDR or PG_DSN")
		os.Exit(1)
	}

	go serveMetrics(metricsAddr, rc, logger)

	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "taxi-dispatch-consumer"
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, sink, m.Value)
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// Package httpapi exposes the ride, driver, wallet and admin surfaces over
// gorilla/mux with the shared request-id, metrics and recover middleware.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/reaper"
	"github.com/example/taxi-dispatch/internal/settlement"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/wallet"
)

// GeoUpdater is the advisory geo index location updates feed. RedisGeo
// implements it; a nil updater disables the shortlist path.
type GeoUpdater interface {
	Update(ctx context.Context, driverID string, loc models.Coord, at time.Time) error
	Remove(ctx context.Context, driverID string) error
}

// Pinger is implemented by stores with a real backend behind them.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg       config.Config
	store     storage.Store
	rides     *lifecycle.Service
	wallets   *wallet.Service
	reaper    *reaper.Reaper
	breaker   settlement.Breaker
	guard     *fraud.Guard
	geo       GeoUpdater
	locations *ingest.LocationProducer
	hub       *dispatch.Hub
	logger    *slog.Logger
	mux       *mux.Router
}

type Deps struct {
	Store     storage.Store
	Rides     *lifecycle.Service
	Wallets   *wallet.Service
	Reaper    *reaper.Reaper
	Breaker   settlement.Breaker
	Guard     *fraud.Guard
	Geo       GeoUpdater
	Locations *ingest.LocationProducer
	Hub       *dispatch.Hub
	Logger    *slog.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		store:     d.Store,
		rides:     d.Rides,
		wallets:   d.Wallets,
		reaper:    d.Reaper,
		breaker:   d.Breaker,
		guard:     d.Guard,
		geo:       d.Geo,
		locations: d.Locations,
		hub:       d.Hub,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelByRider).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel_by_driver", s.handleCancelByDriver).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/reassign", s.handleRideReassign).Methods(http.MethodPost)

	api.HandleFunc("/drivers/{driver_id}/status", s.handleDriverStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)

	api.HandleFunc("/wallets/{driver_id}/topup", s.handleTopup).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{driver_id}/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{driver_id}", s.handleBalance).Methods(http.MethodGet)

	admin := s.mux.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/rides/{ride_id}/reassign", s.handleReassign).Methods(http.MethodPost)
	admin.HandleFunc("/reap/accept_timeouts", s.handleReapAccept).Methods(http.MethodPost)
	admin.HandleFunc("/reap/start_timeouts", s.handleReapStart).Methods(http.MethodPost)
	admin.HandleFunc("/breaker", s.handleBreakerSnapshot).Methods(http.MethodGet)
	admin.HandleFunc("/breaker/reset", s.handleBreakerReset).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRideWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

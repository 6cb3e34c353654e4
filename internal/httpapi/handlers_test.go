package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/match"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/reaper"
	"github.com/example/taxi-dispatch/internal/routing"
	"github.com/example/taxi-dispatch/internal/settlement"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/wallet"
)

type nopSettler struct{}

func (nopSettler) HoldEscrow(context.Context, string, string, int64) error { return nil }
func (nopSettler) ReleaseToDriver(context.Context, storage.Tx, string, string, int64) {}
func (nopSettler) RefundToRider(context.Context, storage.Tx, string, string, int64)   {}
func (nopSettler) SettleFee(context.Context, storage.Tx, string, int64)               {}

type nopTransferer struct{}

func (nopTransferer) TransferTopup(context.Context, string, string, string, string, int64) error {
	return nil
}
func (nopTransferer) PoolPhone() string { return "+pool" }

func testConfig() config.Config {
	return config.Config{
		BaseFareCents:           4000,
		PerKmCents:              7500,
		AvgSpeedKmph:            30,
		SurgeAvailableThreshold: 3,
		SurgeStepPerMissing:     0.25,
		SurgeMaxMultiplier:      2.0,
		RideClassMultipliers:    map[string]float64{"standard": 1.0},
		AssignRadiusKm:          5,
		ReassignRadiusFactor:    1.0,
		ReassignScanLimit:       100,
		AcceptTimeout:           2 * time.Minute,
		StartTimeout:            5 * time.Minute,
		PlatformFeeBps:          1000,
		LoyaltyRideInterval:     100,
		FraudRiderWindow:        time.Minute,
		FraudRiderMaxRequests:   2,
		FraudDriverLocMaxAge:    5 * time.Minute,
		FraudMaxAcceptDistKm:    3.0,
		FraudMaxStartDistKm:     0.3,
		FraudMaxCompleteDistKm:  0.5,
		AdminToken:              "secret",
	}
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := routing.Offline{AvgSpeedKmph: cfg.AvgSpeedKmph}
	guard := fraud.NewGuard(cfg, logger)
	rides := lifecycle.NewService(cfg, store,
		match.NewMatcher(cfg, nil, logger),
		pricing.NewEngine(cfg, router),
		guard, nopSettler{}, nil, router, nil, logger)
	srv := NewServer(cfg, Deps{
		Store:   store,
		Rides:   rides,
		Wallets: wallet.NewService(store, nopTransferer{}, logger),
		Reaper:  reaper.New(cfg, store, rides, logger),
		Breaker: settlement.NopBreaker{},
		Guard:   guard,
		Logger:  logger,
	})
	return srv, store
}

func seedBasics(store *storage.MemoryStore) {
	store.SeedUser(&models.User{ID: "r1", Phone: "+rider", Role: "rider"})
	store.SeedUser(&models.User{ID: "u-d1", Phone: "+d1", Role: "driver"})
	store.SeedDriver(&models.Driver{ID: "d1", UserID: "u-d1", Status: models.DriverAvailable, RideClass: "standard"})
	store.SeedLocation(&models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 40.001, Lon: 40.0}, UpdatedAt: time.Now()})
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func rideBody() map[string]any {
	return map[string]any{
		"rider_user_id": "r1",
		"pickup":        map[string]float64{"lat": 40.0, "lon": 40.0},
		"dropoff":       map[string]float64{"lat": 40.05, "lon": 40.0},
		"pay_mode":      "cash",
	}
}

func TestQuoteEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/quotes", map[string]any{
		"pickup":  map[string]float64{"lat": 40.0, "lon": 40.0},
		"dropoff": map[string]float64{"lat": 40.05, "lon": 40.0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var q models.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.FareCents <= 0 {
		t.Fatalf("quote without fare: %+v", q)
	}
}

func TestRequestAndFetchRide(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", rideBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ride.Status != models.RideAssigned || ride.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", ride)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/rides/"+ride.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/rides/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride status %d", rec.Code)
	}
}

func TestVelocityLimitMapsTo429(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	for i := 0; i < 2; i++ {
		if rec := do(t, srv, http.MethodPost, "/api/v1/rides", rideBody()); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status %d: %s", i, rec.Code, rec.Body)
		}
	}
	rec := do(t, srv, http.MethodPost, "/api/v1/rides", rideBody())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)
	// The accept-time platform fee needs a funded wallet.
	store.SeedWallet(&models.Wallet{ID: "w-d1", DriverID: "d1", BalanceCents: 100000})

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", rideBody())
	var ride models.Ride
	_ = json.Unmarshal(rec.Body.Bytes(), &ride)

	base := "/api/v1/rides/" + ride.ID
	if rec = do(t, srv, http.MethodPost, base+"/accept", map[string]string{"driver_id": "d1"}); rec.Code != http.StatusOK {
		t.Fatalf("accept status %d: %s", rec.Code, rec.Body)
	}
	// Completing before start is a state conflict.
	if rec = do(t, srv, http.MethodPost, base+"/complete", map[string]string{"driver_id": "d1"}); rec.Code != http.StatusConflict {
		t.Fatalf("early complete status %d", rec.Code)
	}

	store.SeedLocation(&models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 40.0, Lon: 40.0}, UpdatedAt: time.Now()})
	if rec = do(t, srv, http.MethodPost, base+"/start", map[string]string{"driver_id": "d1"}); rec.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", rec.Code, rec.Body)
	}

	store.SeedLocation(&models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 40.05, Lon: 40.0}, UpdatedAt: time.Now()})
	rec = do(t, srv, http.MethodPost, base+"/complete", map[string]string{"driver_id": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Receipt lifecycle.Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if out.Receipt.FareCents <= 0 || out.Receipt.FeeCents <= 0 {
		t.Fatalf("unexpected receipt %+v", out.Receipt)
	}
}

func TestRideReassignEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", rideBody())
	var ride models.Ride
	_ = json.Unmarshal(rec.Body.Bytes(), &ride)
	if ride.DriverID != "d1" {
		t.Fatalf("expected d1 assigned, got %+v", ride)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/reassign", map[string]string{"actor_id": "stranger"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger reassign status %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/reassign", map[string]string{"actor_id": "r1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rider reassign status %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Ride      models.Ride `json:"ride"`
		Rematched bool        `json:"rematched"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// d1 was the only driver and had just been stripped, so the ride is
	// requeued without a replacement.
	if out.Ride.Status != models.RideRequested || out.Ride.DriverID == "d1" {
		t.Fatalf("unexpected ride after reassign %+v", out.Ride)
	}
}

func TestDriverStatusEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/drivers/d1/status", map[string]string{"status": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/drivers/d1/status", map[string]string{"status": models.DriverOffline})
	if rec.Code != http.StatusOK {
		t.Fatalf("offline status %d: %s", rec.Code, rec.Body)
	}
	var drv models.Driver
	_ = json.Unmarshal(rec.Body.Bytes(), &drv)
	if drv.Status != models.DriverOffline {
		t.Fatalf("driver not offline: %+v", drv)
	}

	// A busy driver cannot flip status by hand.
	store.SeedDriver(&models.Driver{ID: "d2", UserID: "u-d1", Status: models.DriverBusy, RideClass: "standard"})
	rec = do(t, srv, http.MethodPost, "/api/v1/drivers/d2/status", map[string]string{"status": models.DriverAvailable})
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy flip status %d", rec.Code)
	}
}

func TestDriverLocationEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 40.002, "lon": 40.0})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("location status %d: %s", rec.Code, rec.Body)
	}
	var loc *models.DriverLocation
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		loc, err = tx.GetDriverLocation(context.Background(), "d1")
		return err
	})
	if err != nil || loc.Loc.Lat != 40.002 {
		t.Fatalf("location not stored: %+v err=%v", loc, err)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 123, "lon": 40})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid coords status %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/drivers/ghost/location", map[string]float64{"lat": 40, "lon": 40})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ghost driver status %d", rec.Code)
	}
}

func TestWalletEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	if rec := do(t, srv, http.MethodPost, "/api/v1/wallets/d1/topup", walletRequest{AmountCents: 5000}); rec.Code != http.StatusOK {
		t.Fatalf("topup status %d: %s", rec.Code, rec.Body)
	}
	rec := do(t, srv, http.MethodGet, "/api/v1/wallets/d1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status %d", rec.Code)
	}
	var w models.Wallet
	_ = json.Unmarshal(rec.Body.Bytes(), &w)
	if w.BalanceCents != 5000 {
		t.Fatalf("balance %d", w.BalanceCents)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/wallets/d1/withdraw", walletRequest{AmountCents: 9000})
	if rec.Code != http.StatusConflict {
		t.Fatalf("overdraw status %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/wallets/d1/topup", walletRequest{AmountCents: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative topup status %d", rec.Code)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/admin/reap/accept_timeouts", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated reap status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/reap/accept_timeouts", bytes.NewBufferString("{}"))
	req.Header.Set("X-Admin-Token", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated reap status %d: %s", w.Code, w.Body)
	}
	var res reaper.SweepResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode sweep result: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/breaker", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("breaker snapshot status %d", w.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id not echoed: %q", got)
	}

	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id not generated")
	}
}

func TestErrorBodyCarriesCode(t *testing.T) {
	srv, store := newTestServer(t)
	seedBasics(store)

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", map[string]any{"pickup": map[string]float64{"lat": 40, "lon": 40}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "missing_rider" {
		t.Fatalf("unexpected code %q", body["code"])
	}
}

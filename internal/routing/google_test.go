package routing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func directionsBody(meters, seconds int64) string {
	return fmt.Sprintf(`{"status":"OK","routes":[{"overview_polyline":{"points":"abc"},"legs":[{"distance":{"value":%d},"duration":{"value":%d}}]}]}`, meters, seconds)
}

func TestGoogleRouteParsesLegs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origin") == "" {
			t.Errorf("missing origin param")
		}
		fmt.Fprint(w, directionsBody(12500, 900))
	}))
	defer srv.Close()

	g := NewGoogle(GoogleOptions{BaseURL: srv.URL, APIKey: "k", IncludePolyline: true}, Offline{AvgSpeedKmph: 30}, discard)
	r, err := g.Route(context.Background(), []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.DistanceKm != 12.5 || r.DurationMinutes != 15 {
		t.Fatalf("unexpected route %+v", r)
	}
	if r.Polyline != "abc" {
		t.Fatalf("polyline not carried: %+v", r)
	}
}

func TestGoogleRetriesThenFallsBack(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGoogle(GoogleOptions{BaseURL: srv.URL, APIKey: "k", MaxRetries: 2, Backoff: time.Millisecond}, Offline{AvgSpeedKmph: 30}, discard)
	r, err := g.Route(context.Background(), []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}})
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if r.DistanceKm <= 0 || r.DurationMinutes <= 0 {
		t.Fatalf("fallback produced empty route %+v", r)
	}
}

func TestGoogleCachesRoutes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, directionsBody(1000, 120))
	}))
	defer srv.Close()

	g := NewGoogle(GoogleOptions{BaseURL: srv.URL, APIKey: "k", CacheTTL: time.Minute}, Offline{}, discard)
	pts := []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	for i := 0; i < 3; i++ {
		if _, err := g.Route(context.Background(), pts); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestOfflineEstimator(t *testing.T) {
	o := Offline{AvgSpeedKmph: 60}
	r, err := o.Route(context.Background(), []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}})
	if err != nil {
		t.Fatalf("offline route: %v", err)
	}
	// ~111 km at 60 km/h is ~112 minutes rounded up.
	if r.DistanceKm < 110 || r.DistanceKm > 112 {
		t.Fatalf("unexpected distance %.1f", r.DistanceKm)
	}
	if r.DurationMinutes < 110 || r.DurationMinutes > 113 {
		t.Fatalf("unexpected duration %d", r.DurationMinutes)
	}
}

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// GoogleOptions configures the Directions client.
type GoogleOptions struct {
	BaseURL         string
	APIKey          string
	UseTraffic      bool
	IncludePolyline bool
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	CacheTTL        time.Duration
}

// Google calls the Directions API with bounded retries and a short TTL cache.
// Any failure falls back to the offline estimator so quoting never depends on
// the upstream being up.
type Google struct {
	opts     GoogleOptions
	client   *http.Client
	fallback Offline
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRoute
}

type cachedRoute struct {
	route   Route
	expires time.Time
}

func NewGoogle(opts GoogleOptions, fallback Offline, logger *slog.Logger) *Google {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &Google{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		fallback: fallback,
		logger:   logger,
		cache:    make(map[string]cachedRoute),
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Distance struct {
				Value int64 `json:"value"` // meters
			} `json:"distance"`
			Duration struct {
				Value int64 `json:"value"` // seconds
			} `json:"duration"`
			DurationInTraffic struct {
				Value int64 `json:"value"`
			} `json:"duration_in_traffic"`
		} `json:"legs"`
	} `json:"routes"`
}

func (g *Google) Route(ctx context.Context, points []models.Coord) (Route, error) {
	if g.opts.APIKey == "" || len(points) < 2 {
		return g.fallback.Route(ctx, points)
	}

	key := cacheKey(points)
	if r, ok := g.cached(key); ok {
		return r, nil
	}

	r, err := g.fetch(ctx, points)
	if err != nil {
		g.logger.Warn("directions fetch failed, using offline estimate", "error", err)
		return g.fallback.Route(ctx, points)
	}
	g.store(key, r)
	return r, nil
}

func (g *Google) ETAMinutes(ctx context.Context, from, to models.Coord) (int, error) {
	r, err := g.Route(ctx, []models.Coord{from, to})
	if err != nil {
		return g.fallback.ETAMinutes(ctx, from, to)
	}
	return r.DurationMinutes, nil
}

func (g *Google) fetch(ctx context.Context, points []models.Coord) (Route, error) {
	u := g.requestURL(points)

	var lastErr error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Route{}, ctx.Err()
			case <-time.After(g.opts.Backoff << (attempt - 1)):
			}
		}
		r, err := g.doOnce(ctx, u)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	return Route{}, lastErr
}

func (g *Google) doOnce(ctx context.Context, u string) (Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("directions status %d", resp.StatusCode)
	}

	var dr directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return Route{}, fmt.Errorf("decode directions: %w", err)
	}
	if dr.Status != "OK" || len(dr.Routes) == 0 {
		return Route{}, fmt.Errorf("directions status %q", dr.Status)
	}

	var meters, seconds int64
	for _, leg := range dr.Routes[0].Legs {
		meters += leg.Distance.Value
		if g.opts.UseTraffic && leg.DurationInTraffic.Value > 0 {
			seconds += leg.DurationInTraffic.Value
		} else {
			seconds += leg.Duration.Value
		}
	}

	r := Route{
		DistanceKm:      float64(meters) / 1000,
		DurationMinutes: int((seconds + 59) / 60),
	}
	if g.opts.IncludePolyline {
		r.Polyline = dr.Routes[0].OverviewPolyline.Points
	}
	return r, nil
}

func (g *Google) requestURL(points []models.Coord) string {
	q := url.Values{}
	q.Set("origin", coordParam(points[0]))
	q.Set("destination", coordParam(points[len(points)-1]))
	if len(points) > 2 {
		mids := make([]string, 0, len(points)-2)
		for _, p := range points[1 : len(points)-1] {
			mids = append(mids, coordParam(p))
		}
		q.Set("waypoints", strings.Join(mids, "|"))
	}
	if g.opts.UseTraffic {
		q.Set("departure_time", "now")
	}
	q.Set("key", g.opts.APIKey)
	return strings.TrimRight(g.opts.BaseURL, "/") + "/maps/api/directions/json?" + q.Encode()
}

func coordParam(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func cacheKey(points []models.Coord) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = coordParam(p)
	}
	return strings.Join(parts, ";")
}

func (g *Google) cached(key string) (Route, bool) {
	if g.opts.CacheTTL <= 0 {
		return Route{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.cache[key]; ok && time.Now().Before(c.expires) {
		return c.route, true
	}
	return Route{}, false
}

func (g *Google) store(key string, r Route) {
	if g.opts.CacheTTL <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[key] = cachedRoute{route: r, expires: time.Now().Add(g.opts.CacheTTL)}
}

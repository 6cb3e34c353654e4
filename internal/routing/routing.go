// Package routing resolves road distance and travel time for quotes and
// pickup ETAs. The Google Directions client is used when an API key is
// configured; otherwise an offline estimator derives both from haversine
// distance and an average speed.
package routing

import (
	"context"
	"math"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
)

// Route is a resolved road route over ordered waypoints.
type Route struct {
	DistanceKm      float64
	DurationMinutes int
	Polyline        string
}

// Provider resolves routes. Implementations must be safe for concurrent use.
type Provider interface {
	// Route resolves the ordered waypoint path pickup..stops..dropoff.
	Route(ctx context.Context, points []models.Coord) (Route, error)
	// ETAMinutes estimates driver travel time between two points.
	ETAMinutes(ctx context.Context, from, to models.Coord) (int, error)
}

// Offline estimates routes from great-circle distance at a fixed average
// speed. It never fails and serves as the fallback behind the HTTP provider.
type Offline struct {
	AvgSpeedKmph float64
}

func (o Offline) speed() float64 {
	if o.AvgSpeedKmph > 0 {
		return o.AvgSpeedKmph
	}
	return 30
}

func (o Offline) Route(_ context.Context, points []models.Coord) (Route, error) {
	km := geo.PathKm(points)
	return Route{DistanceKm: km, DurationMinutes: minutesAt(km, o.speed())}, nil
}

func (o Offline) ETAMinutes(_ context.Context, from, to models.Coord) (int, error) {
	return minutesAt(geo.HaversineKm(from, to), o.speed()), nil
}

func minutesAt(km, speedKmph float64) int {
	mins := int(math.Ceil(km / speedKmph * 60))
	if mins < 1 && km > 0 {
		mins = 1
	}
	return mins
}

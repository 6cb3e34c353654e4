// Package pricing turns a route into a fare quote in integer cents.
package pricing

import (
	"context"
	"math"
	"time"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/routing"
)

type Engine struct {
	cfg    config.Config
	router routing.Provider
}

func NewEngine(cfg config.Config, router routing.Provider) *Engine {
	return &Engine{cfg: cfg, router: router}
}

// SurgeMultiplier scales fares when available supply is below the threshold.
// It is 1.0 at or above the threshold and steps up per missing driver,
// capped at the configured maximum.
func (e *Engine) SurgeMultiplier(availableDrivers int) float64 {
	if availableDrivers >= e.cfg.SurgeAvailableThreshold {
		return 1.0
	}
	missing := e.cfg.SurgeAvailableThreshold - availableDrivers
	m := 1.0 + e.cfg.SurgeStepPerMissing*float64(missing)
	if m > e.cfg.SurgeMaxMultiplier {
		m = e.cfg.SurgeMaxMultiplier
	}
	return m
}

// Quote prices the ordered route pickup..stops..dropoff. availableDrivers
// feeds the surge multiplier. Quotes only fail on out-of-range coordinates;
// routing falls back to an offline estimate internally.
func (e *Engine) Quote(ctx context.Context, pickup models.Coord, stops []models.Coord, dropoff models.Coord, class string, availableDrivers int) (models.Quote, error) {
	points := make([]models.Coord, 0, len(stops)+2)
	points = append(points, pickup)
	points = append(points, stops...)
	points = append(points, dropoff)
	for _, p := range points {
		if !geo.ValidCoord(p) {
			return models.Quote{}, apperrors.Validation("invalid_coordinates", "coordinate out of range: %.4f,%.4f", p.Lat, p.Lon)
		}
	}

	route, err := e.router.Route(ctx, points)
	if err != nil {
		return models.Quote{}, err
	}

	surge := e.SurgeMultiplier(availableDrivers)
	fare := e.fareCents(route.DistanceKm, route.DurationMinutes, surge, class)

	return models.Quote{
		FareCents:       fare,
		FinalQuoteCents: fare,
		DistanceKm:      route.DistanceKm,
		ETAMinutes:      route.DurationMinutes,
		SurgeMultiplier: surge,
		RoutePolyline:   route.Polyline,
		RideClass:       class,
	}, nil
}

func (e *Engine) fareCents(km float64, etaMins int, surge float64, class string) int64 {
	fareBase := e.cfg.BaseFareCents + roundCents(float64(e.cfg.PerKmCents)*km)
	fare := roundCents(float64(fareBase) * surge)

	// Traffic surcharge when the route runs slower than the base pace. The
	// cap bounds the total fare, not the surcharge alone, so a heavily
	// surged ride cannot stack an uncapped surcharge on top.
	expectedMins := e.cfg.TrafficBasePaceMinPerKm * km
	if extra := float64(etaMins) - expectedMins; extra > 0 {
		surcharge := roundCents(extra * float64(e.cfg.TrafficSurchargePerMin))
		limit := roundCents(float64(fareBase) * e.cfg.TrafficSurchargeMaxFactor)
		if limit < fare {
			limit = fare
		}
		fare += surcharge
		if fare > limit {
			fare = limit
		}
	}

	fare = roundCents(float64(fare) * e.cfg.ClassMultiplier(class))

	if fare < e.cfg.BaseFareCents {
		fare = e.cfg.BaseFareCents
	}
	if min := e.cfg.ClassMinFare(class); fare < min {
		fare = min
	}
	return fare
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}

// PromoDiscount validates a promo against a fare and returns the discount in
// cents. Redemption-count limits are checked by the caller, which holds the
// promo row lock.
func PromoDiscount(p *models.PromoCode, fareCents int64, now time.Time) (int64, error) {
	if !p.Active {
		return 0, apperrors.Validation("promo_inactive", "promo code %s is not active", p.Code)
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return 0, apperrors.Validation("promo_not_started", "promo code %s is not valid yet", p.Code)
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return 0, apperrors.Validation("promo_expired", "promo code %s has expired", p.Code)
	}
	if p.MaxUses > 0 && p.UsesCount >= p.MaxUses {
		return 0, apperrors.Validation("promo_exhausted", "promo code %s has no uses left", p.Code)
	}
	if p.MinFareCents > 0 && fareCents < p.MinFareCents {
		return 0, apperrors.Validation("promo_min_fare", "fare below promo minimum")
	}

	// A promo carrying both a percent and a flat amount grants the better
	// of the two, never the sum.
	var discount int64
	if p.PercentOffBps > 0 {
		discount = (fareCents*int64(p.PercentOffBps) + 5000) / 10000
	}
	if p.AmountOffCents > discount {
		discount = p.AmountOffCents
	}
	if discount > fareCents {
		discount = fareCents
	}
	return discount, nil
}

// Package match picks a driver for a ride. A shortlist source (the Redis geo
// index) narrows the candidate set when available, but every candidate is
// re-verified against the store inside the caller's transaction before being
// claimed, so the index can be stale without handing out bad matches.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// ErrNoDriver means no eligible driver could be claimed; the ride stays
// requested.
var ErrNoDriver = errors.New("no eligible driver available")

// Shortlister returns driver ids near a point, nearest first.
type Shortlister interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]string, error)
}

type Matcher struct {
	cfg       config.Config
	shortlist Shortlister
	logger    *slog.Logger
	now       func() time.Time
}

// NewMatcher builds a matcher. shortlist may be nil, in which case candidates
// come from a store scan.
func NewMatcher(cfg config.Config, shortlist Shortlister, logger *slog.Logger) *Matcher {
	return &Matcher{cfg: cfg, shortlist: shortlist, logger: logger, now: time.Now}
}

// FindAndClaim returns the nearest available driver that passes eligibility,
// with its row locked for the rest of the transaction. Rows locked by
// concurrent matches are skipped rather than waited on.
func (m *Matcher) FindAndClaim(ctx context.Context, tx storage.Tx, pickup models.Coord, class string, radiusKm float64, relaxWallet bool) (*models.Driver, *models.DriverLocation, error) {
	ids, err := m.candidates(ctx, tx, pickup, radiusKm)
	if err != nil {
		return nil, nil, err
	}

	type candidate struct {
		id   string
		loc  *models.DriverLocation
		dist float64
	}
	cands := make([]candidate, 0, len(ids))
	maxAge := m.cfg.FraudDriverLocMaxAge
	now := m.now()
	for _, id := range ids {
		loc, err := tx.GetDriverLocation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if maxAge > 0 && now.Sub(loc.UpdatedAt) > maxAge {
			continue
		}
		d := geo.HaversineKm(pickup, loc.Loc)
		if d > radiusKm {
			continue
		}
		cands = append(cands, candidate{id: id, loc: loc, dist: d})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	// Eligibility is checked before the claim so ineligible drivers never
	// hold a row lock; status is re-checked under the lock afterwards.
	minBalance := m.cfg.ClassMinBalance(class)
	for _, c := range cands {
		d, err := tx.GetDriver(ctx, c.id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if d.Status != models.DriverAvailable || !ClassCompatible(d.RideClass, class) {
			continue
		}
		if !relaxWallet && minBalance > 0 {
			w, err := tx.GetWalletByDriver(ctx, c.id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if w.BalanceCents < minBalance {
				continue
			}
		}

		drv, ok, err := tx.ClaimDriver(ctx, c.id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !ok || drv.Status != models.DriverAvailable {
			continue
		}
		observability.MatchAttempts.WithLabelValues("matched").Inc()
		return drv, c.loc, nil
	}

	observability.MatchAttempts.WithLabelValues("no_driver").Inc()
	return nil, nil, ErrNoDriver
}

func (m *Matcher) candidates(ctx context.Context, tx storage.Tx, pickup models.Coord, radiusKm float64) ([]string, error) {
	limit := m.cfg.ReassignScanLimit
	if limit <= 0 {
		limit = 200
	}
	if m.shortlist != nil {
		ids, err := m.shortlist.Nearby(ctx, pickup, radiusKm, limit)
		if err == nil {
			return ids, nil
		}
		m.logger.Warn("geo shortlist unavailable, falling back to store scan", "error", err)
	}
	return tx.AvailableDriverIDs(ctx, limit)
}

// ClassCompatible reports whether a driver's class can serve a ride class.
// An empty class on either side means standard.
func ClassCompatible(driverClass, rideClass string) bool {
	normalize := func(c string) string {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			return "standard"
		}
		return c
	}
	return normalize(driverClass) == normalize(rideClass)
}

// Package fraud enforces the abuse rules around ride operations: request
// velocity per rider, driver location freshness and proximity at each stage,
// and account suspensions. Violations are recorded as append-only fraud
// events alongside the denial.
package fraud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

// CodeVelocity marks rider request flooding; the HTTP layer maps it to 429.
const CodeVelocity = "velocity_exceeded"

type Guard struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

func NewGuard(cfg config.Config, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger, now: time.Now}
}

// CheckRiderVelocity counts the rider's requests inside the sliding window.
// Exceeding the limit records a fraud event, optionally auto-suspends the
// rider, and denies the request.
func (g *Guard) CheckRiderVelocity(ctx context.Context, tx storage.Tx, riderUserID string) error {
	now := g.now()
	n, err := tx.CountRiderRequestsSince(ctx, riderUserID, now.Add(-g.cfg.FraudRiderWindow))
	if err != nil {
		return err
	}
	if n < g.cfg.FraudRiderMaxRequests {
		return nil
	}

	g.record(ctx, tx, &models.FraudEvent{
		UserID: riderUserID,
		Type:   "rider_velocity",
		Data:   map[string]any{"requests_in_window": n, "window_seconds": g.cfg.FraudRiderWindow.Seconds()},
	})
	if g.cfg.FraudAutosuspendOnSpam {
		until := now.Add(g.cfg.FraudAutosuspendDuration)
		if err := tx.InsertSuspension(ctx, &models.Suspension{
			ID:        uuid.NewString(),
			UserID:    riderUserID,
			Reason:    "rider_velocity",
			Until:     &until,
			Active:    true,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		g.logger.Warn("rider auto-suspended for request velocity", "user_id", riderUserID, "until", until)
	}
	return apperrors.PolicyDenied(CodeVelocity, "too many ride requests, slow down")
}

// CheckUserSuspended denies when the user has a suspension in force.
func (g *Guard) CheckUserSuspended(ctx context.Context, tx storage.Tx, userID string) error {
	s, err := tx.ActiveSuspensionForUser(ctx, userID, g.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return apperrors.PolicyDenied("user_suspended", "account suspended: %s", s.Reason)
}

// CheckDriverSuspended denies when the driver has a suspension in force.
func (g *Guard) CheckDriverSuspended(ctx context.Context, tx storage.Tx, driverID string) error {
	s, err := tx.ActiveSuspensionForDriver(ctx, driverID, g.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return apperrors.PolicyDenied("driver_suspended", "driver suspended: %s", s.Reason)
}

// Proximity stages and their distance caps.
const (
	StageAccept   = "accept"
	StageStart    = "start"
	StageComplete = "complete"
)

func (g *Guard) stageMaxKm(stage string) float64 {
	switch stage {
	case StageAccept:
		return g.cfg.FraudMaxAcceptDistKm
	case StageStart:
		return g.cfg.FraudMaxStartDistKm
	default:
		return g.cfg.FraudMaxCompleteDistKm
	}
}

// CheckDriverProximity verifies the driver's last known location is fresh and
// within the stage's allowed distance of the target point.
func (g *Guard) CheckDriverProximity(ctx context.Context, tx storage.Tx, driverID string, target models.Coord, stage string) error {
	loc, err := tx.GetDriverLocation(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.PolicyDenied("location_unknown", "driver location unknown")
	}
	if err != nil {
		return err
	}

	now := g.now()
	if now.Sub(loc.UpdatedAt) > g.cfg.FraudDriverLocMaxAge {
		g.record(ctx, tx, &models.FraudEvent{
			DriverID: driverID,
			Type:     "stale_location",
			Data:     map[string]any{"stage": stage, "age_seconds": now.Sub(loc.UpdatedAt).Seconds()},
		})
		return apperrors.PolicyDenied("location_stale", "driver location too old for %s", stage)
	}

	maxKm := g.stageMaxKm(stage)
	if d := geo.HaversineKm(loc.Loc, target); d > maxKm {
		g.record(ctx, tx, &models.FraudEvent{
			DriverID: driverID,
			Type:     "proximity_violation",
			Data:     map[string]any{"stage": stage, "distance_km": d, "max_km": maxKm},
		})
		return apperrors.PolicyDenied("too_far", "driver too far from %s point", stage)
	}
	return nil
}

func (g *Guard) record(ctx context.Context, tx storage.Tx, e *models.FraudEvent) {
	e.ID = uuid.NewString()
	e.CreatedAt = g.now()
	if err := tx.InsertFraudEvent(ctx, e); err != nil {
		g.logger.Error("failed to record fraud event", "type", e.Type, "error", err)
	}
}

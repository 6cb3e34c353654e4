// Package reaper sweeps rides stuck in assigned or accepted past their
// timeouts and pushes them back through matching. Sweeps run per ride in
// their own transactions, so one bad ride never blocks the batch, and the
// in-process scheduler jitters its ticks to avoid lockstep with other
// instances.
package reaper

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Reassigned int `json:"reassigned"`
	Requeued   int `json:"requeued"`
	Errors     int `json:"errors"`
}

type Reaper struct {
	cfg    config.Config
	store  storage.Store
	rides  *lifecycle.Service
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.Config, store storage.Store, rides *lifecycle.Service, logger *slog.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, rides: rides, logger: logger, now: time.Now}
}

// ReapAssigned reassigns rides whose driver never accepted within the
// accept timeout.
func (r *Reaper) ReapAssigned(ctx context.Context) (SweepResult, error) {
	cutoff := r.now().Add(-r.cfg.AcceptTimeout)
	ids, err := r.staleIDs(ctx, func(tx storage.Tx) ([]string, error) {
		return tx.StaleAssignedRideIDs(ctx, cutoff, r.cfg.ReassignScanLimit)
	})
	if err != nil {
		return SweepResult{}, err
	}
	return r.sweep(ctx, ids, "accept_timeout", "assigned"), nil
}

// ReapAccepted reassigns rides the driver accepted but never started within
// the start timeout.
func (r *Reaper) ReapAccepted(ctx context.Context) (SweepResult, error) {
	cutoff := r.now().Add(-r.cfg.StartTimeout)
	ids, err := r.staleIDs(ctx, func(tx storage.Tx) ([]string, error) {
		return tx.StaleAcceptedRideIDs(ctx, cutoff, r.cfg.ReassignScanLimit)
	})
	if err != nil {
		return SweepResult{}, err
	}
	return r.sweep(ctx, ids, "start_timeout", "accepted"), nil
}

func (r *Reaper) staleIDs(ctx context.Context, list func(storage.Tx) ([]string, error)) ([]string, error) {
	var ids []string
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		ids, err = list(tx)
		return err
	})
	return ids, err
}

// sweep reassigns each ride in its own transaction. Reassign re-checks the
// ride's status under lock, so a ride that moved on since the scan is
// counted as an error-free skip by the conflict it returns.
func (r *Reaper) sweep(ctx context.Context, ids []string, reason, stage string) SweepResult {
	res := SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		_, rematched, err := r.rides.Reassign(ctx, id, reason)
		switch {
		case err != nil:
			res.Errors++
			observability.TimeoutsReaped.WithLabelValues(stage, "error").Inc()
			r.logger.Warn("reap failed", "ride_id", id, "reason", reason, "error", err)
		case rematched:
			res.Reassigned++
			observability.TimeoutsReaped.WithLabelValues(stage, "reassigned").Inc()
		default:
			res.Requeued++
			observability.TimeoutsReaped.WithLabelValues(stage, "requeued").Inc()
		}
	}
	return res
}

// Run executes both sweeps on a jittered interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ReapInterval + jitter(r.cfg.ReapInterval)):
		}
		if res, err := r.ReapAssigned(ctx); err != nil {
			r.logger.Error("assigned sweep failed", "error", err)
		} else if res.Scanned > 0 {
			r.logger.Info("assigned sweep done", "scanned", res.Scanned, "reassigned", res.Reassigned)
		}
		if res, err := r.ReapAccepted(ctx); err != nil {
			r.logger.Error("accepted sweep failed", "error", err)
		} else if res.Scanned > 0 {
			r.logger.Info("accepted sweep done", "scanned", res.Scanned, "reassigned", res.Reassigned)
		}
	}
}

// jitter returns a random delay up to a fifth of the interval. Intervals too
// short to jitter get none.
func jitter(interval time.Duration) time.Duration {
	span := int64(interval) / 5
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(span))
}

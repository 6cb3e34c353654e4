package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/match"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Receipt is the fare breakdown produced at completion.
type Receipt struct {
	RideID              string `json:"ride_id"`
	PayMode             string `json:"pay_mode"`
	FareCents           int64  `json:"fare_cents"`
	FeeCents            int64  `json:"fee_cents"`
	DriverTakeHomeCents int64  `json:"driver_take_home_cents"`
	RiderRewardApplied  bool   `json:"rider_reward_applied"`
	DriverFeeWaived     bool   `json:"driver_fee_waived"`
}

func (s *Service) lockRide(ctx context.Context, tx storage.Tx, id string) (*models.Ride, error) {
	r, err := tx.GetRideForUpdate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("ride_not_found", "ride %s not found", id)
	}
	return r, err
}

func (s *Service) lockDriver(ctx context.Context, tx storage.Tx, id string) (*models.Driver, error) {
	d, err := tx.GetDriverForUpdate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("driver_not_found", "driver %s not found", id)
	}
	return d, err
}

// Accept lets a driver take a ride. The assigned driver confirms an assigned
// ride; any eligible driver may take a ride that is still unassigned. The
// platform fee on the quoted fare is charged against the driver's wallet here,
// as a single fee entry keyed by the ride, and swept to the fee account. The
// driver row lock plus the active-ride check guarantee a driver ends up on at
// most one ride no matter how many accepts race. A repeated accept by the
// driver already on the ride is a no-op.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	var ride *models.Ride
	var from string
	var noop bool
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		drv, err := s.lockDriver(ctx, tx, driverID)
		if err != nil {
			return err
		}
		if err := s.guard.CheckDriverSuspended(ctx, tx, driverID); err != nil {
			return err
		}

		switch r.Status {
		case models.RideRequested:
		case models.RideAssigned:
			if r.DriverID != driverID {
				return apperrors.Conflict("not_assigned_driver", "ride %s is assigned to another driver", rideID)
			}
		case models.RideAccepted:
			if r.DriverID == driverID {
				ride = r
				noop = true
				return nil
			}
			return apperrors.Conflict("invalid_transition", "cannot accept ride in status %s", r.Status)
		default:
			return apperrors.Conflict("invalid_transition", "cannot accept ride in status %s", r.Status)
		}

		if !match.ClassCompatible(drv.RideClass, r.RideClass) {
			return apperrors.Conflict("class_mismatch", "driver class %s cannot serve a %s ride", drv.RideClass, r.RideClass)
		}

		if activeID, err := tx.ActiveRideIDForDriver(ctx, driverID); err == nil && activeID != rideID {
			return apperrors.Conflict("driver_busy", "driver %s already has an active ride", driverID)
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if err := s.guard.CheckDriverProximity(ctx, tx, driverID, r.Pickup, fraud.StageAccept); err != nil {
			return err
		}

		now := s.now()
		fee := s.cfg.PlatformFee(r.QuotedFareCents)
		if minBalance := s.cfg.ClassMinBalance(r.RideClass); fee > 0 || minBalance > 0 {
			if err := s.chargeAcceptFee(ctx, tx, r, drv, fee, minBalance, now); err != nil {
				return err
			}
		}

		from = r.Status
		r.DriverID = driverID
		r.Status = models.RideAccepted
		r.AcceptedAt = &now
		if r.ETAPickupPredictedMins == nil {
			if loc, err := tx.GetDriverLocation(ctx, driverID); err == nil {
				if mins, err := s.router.ETAMinutes(ctx, loc.Loc, r.Pickup); err == nil {
					r.ETAPickupPredictedMins = &mins
				}
			}
		}
		drv.Status = models.DriverBusy
		if err := tx.UpdateDriver(ctx, drv); err != nil {
			return err
		}
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return ride, nil
	}
	transition(from, models.RideAccepted)
	s.notify(ctx, ride, "ride_accepted", map[string]any{"eta_pickup_mins": ride.ETAPickupPredictedMins})
	return ride, nil
}

// chargeAcceptFee debits the platform fee from the driver's wallet and sweeps
// it from the pool to the fee account. At most one fee entry exists per ride,
// so re-accepting after a cancellation does not charge twice.
func (s *Service) chargeAcceptFee(ctx context.Context, tx storage.Tx, r *models.Ride, drv *models.Driver, fee, minBalance int64, now time.Time) error {
	w, err := tx.GetWalletForUpdate(ctx, drv.ID)
	if err != nil {
		return err
	}
	if w.BalanceCents < minBalance {
		return apperrors.Conflict("insufficient_balance", "wallet balance below class minimum for %s rides", r.RideClass)
	}
	if fee <= 0 {
		return nil
	}
	if _, err := tx.WalletEntryForRide(ctx, r.ID, models.EntryFee); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if w.BalanceCents < fee {
		return apperrors.Conflict("insufficient_balance", "wallet balance cannot cover the platform fee")
	}
	if err := tx.InsertWalletEntry(ctx, &models.WalletEntry{
		ID:                  uuid.NewString(),
		WalletID:            w.ID,
		Type:                models.EntryFee,
		AmountCentsSigned:   -fee,
		RideID:              r.ID,
		OriginalFareCents:   r.QuotedFareCents,
		FeeCents:            fee,
		DriverTakeHomeCents: r.QuotedFareCents - fee,
		CreatedAt:           now,
	}); err != nil {
		return err
	}
	observability.WalletEvents.WithLabelValues(models.EntryFee, "ok").Inc()
	w.BalanceCents -= fee
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	s.settler.SettleFee(ctx, tx, r.ID, fee)
	return nil
}

// Start moves an accepted ride to enroute once the driver is at the pickup
// point, and records the predicted-vs-actual pickup ETA error.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	var ride *models.Ride
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.Status != models.RideAccepted {
			return apperrors.Conflict("invalid_transition", "cannot start ride in status %s", r.Status)
		}
		if r.DriverID != driverID {
			return apperrors.Conflict("not_assigned_driver", "ride %s belongs to another driver", rideID)
		}
		if err := s.guard.CheckDriverSuspended(ctx, tx, driverID); err != nil {
			return err
		}
		if err := s.guard.CheckDriverProximity(ctx, tx, driverID, r.Pickup, fraud.StageStart); err != nil {
			return err
		}

		now := s.now()
		if r.ETAPickupPredictedMins != nil && r.AcceptedAt != nil {
			actual := now.Sub(*r.AcceptedAt).Minutes()
			observability.ETAPickupAbsErrMin.Observe(math.Abs(actual - float64(*r.ETAPickupPredictedMins)))
		}
		r.Status = models.RideEnroute
		r.StartedAt = &now
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	transition(models.RideAccepted, models.RideEnroute)
	s.notify(ctx, ride, "ride_started", nil)
	return ride, nil
}

// Complete finishes an enroute ride. The rider's loyalty free ride and the
// driver's fee waiver are both decided here, under the locked loyalty
// counters: a free ride zeroes the final fare and refunds escrow to the
// rider, a waiver refunds the fee charged at acceptance. Otherwise escrow is
// released to the driver in full, the fee having already been collected.
// Settlement failures never fail the completion.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, *Receipt, error) {
	var ride *models.Ride
	var receipt *Receipt
	var riderToken string
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.Status != models.RideEnroute {
			return apperrors.Conflict("invalid_transition", "cannot complete ride in status %s", r.Status)
		}
		if r.DriverID != driverID {
			return apperrors.Conflict("not_assigned_driver", "ride %s belongs to another driver", rideID)
		}
		drv, err := s.lockDriver(ctx, tx, driverID)
		if err != nil {
			return err
		}
		if err := s.guard.CheckDriverSuspended(ctx, tx, driverID); err != nil {
			return err
		}
		if err := s.guard.CheckDriverProximity(ctx, tx, driverID, r.Dropoff, fraud.StageComplete); err != nil {
			return err
		}

		rider, err := tx.GetUserForUpdate(ctx, r.RiderUserID)
		if err != nil {
			return err
		}
		driverUser, err := tx.GetUserForUpdate(ctx, drv.UserID)
		if err != nil {
			return err
		}
		riderToken = rider.DeviceToken

		now := s.now()
		fare := r.QuotedFareCents
		var fee int64
		feeEntry, err := tx.WalletEntryForRide(ctx, r.ID, models.EntryFee)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if feeEntry != nil {
			fee = feeEntry.FeeCents
		}

		riderReward := s.cfg.LoyaltyRideInterval > 0 &&
			(rider.RiderLoyaltyCount+1)%s.cfg.LoyaltyRideInterval == 0 &&
			fare <= s.cfg.LoyaltyRiderFreeCapCents
		waived := s.cfg.LoyaltyRideInterval > 0 &&
			(driverUser.DriverLoyaltyCount+1)%s.cfg.LoyaltyRideInterval == 0

		finalFare := fare
		if riderReward {
			r.RiderRewardApplied = true
			finalFare = 0
		}
		r.FinalFareCents = &finalFare
		if waived {
			r.DriverRewardFeeWaived = true
		}

		if fee > 0 && (waived || riderReward) {
			reason := "driver_loyalty_fee_waiver"
			if !waived {
				reason = "rider_loyalty_free_ride"
			}
			if err := s.refundAcceptFee(ctx, tx, r, drv, feeEntry, reason, now); err != nil {
				return err
			}
			fee = 0
		}
		takeHome := finalFare - fee

		driverPhone := driverUser.Phone
		switch {
		case riderReward:
			if r.PayMode == models.PayCard && r.EscrowRef != "" {
				if s.cards != nil {
					if err := s.cards.Cancel(ctx, r.EscrowRef); err != nil {
						s.logger.Error("card hold cancel failed", "ride_id", r.ID, "ref", r.EscrowRef, "error", err)
					}
				}
				r.EscrowRef = ""
			} else if r.EscrowAmountCents > 0 {
				s.settler.RefundToRider(ctx, tx, r.ID, rider.Phone, r.EscrowAmountCents)
			}
			r.EscrowAmountCents = 0
		case r.PayMode == models.PayCard && r.EscrowRef != "":
			if s.cards != nil {
				if err := s.cards.Capture(ctx, r.EscrowRef); err != nil {
					s.logger.Error("card capture failed", "ride_id", r.ID, "ref", r.EscrowRef, "error", err)
				}
			}
			s.settler.ReleaseToDriver(ctx, tx, r.ID, driverPhone, r.EscrowAmountCents)
			r.EscrowReleased = true
		case r.EscrowAmountCents > 0:
			s.settler.ReleaseToDriver(ctx, tx, r.ID, driverPhone, r.EscrowAmountCents)
			r.EscrowReleased = true
		}

		rider.RiderLoyaltyCount++
		driverUser.DriverLoyaltyCount++
		if err := tx.UpdateUser(ctx, rider); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, driverUser); err != nil {
			return err
		}

		r.Status = models.RideCompleted
		r.CompletedAt = &now
		drv.Status = models.DriverAvailable
		if err := tx.UpdateDriver(ctx, drv); err != nil {
			return err
		}
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}

		ride = r
		receipt = &Receipt{
			RideID:              r.ID,
			PayMode:             r.PayMode,
			FareCents:           finalFare,
			FeeCents:            fee,
			DriverTakeHomeCents: takeHome,
			RiderRewardApplied:  r.RiderRewardApplied,
			DriverFeeWaived:     waived,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	transition(models.RideEnroute, models.RideCompleted)
	s.notify(ctx, ride, "ride_completed", map[string]any{
		"fare_cents": receipt.FareCents,
		"fee_cents":  receipt.FeeCents,
	})
	s.push(ctx, riderToken, "Ride completed", "Thanks for riding with us", map[string]any{
		"ride_id": ride.ID, "fare_cents": receipt.FareCents,
	})
	return ride, receipt, nil
}

// refundAcceptFee books a reward credit reversing the fee charged at
// acceptance. The credit lands on the wallet that paid the fee; when the ride
// changed hands after a cancellation the completing driver never paid it, so
// nothing is refunded.
func (s *Service) refundAcceptFee(ctx context.Context, tx storage.Tx, r *models.Ride, drv *models.Driver, feeEntry *models.WalletEntry, reason string, now time.Time) error {
	w, err := tx.GetWalletForUpdate(ctx, drv.ID)
	if err != nil {
		return err
	}
	if feeEntry.WalletID != w.ID {
		return nil
	}
	if err := tx.InsertWalletEntry(ctx, &models.WalletEntry{
		ID:                uuid.NewString(),
		WalletID:          w.ID,
		Type:              models.EntryReward,
		AmountCentsSigned: feeEntry.FeeCents,
		RideID:            r.ID,
		Meta:              map[string]any{"reason": reason},
		CreatedAt:         now,
	}); err != nil {
		return err
	}
	observability.WalletEvents.WithLabelValues(models.EntryReward, "ok").Inc()
	w.BalanceCents += feeEntry.FeeCents
	return tx.UpdateWallet(ctx, w)
}

// refundEscrow returns whatever is held for the ride to the rider: a card
// hold is voided, a wallet escrow is paid back from the pool.
func (s *Service) refundEscrow(ctx context.Context, tx storage.Tx, r *models.Ride, riderPhone string) {
	if r.PayMode == models.PayCard && r.EscrowRef != "" {
		if s.cards != nil {
			if err := s.cards.Cancel(ctx, r.EscrowRef); err != nil {
				s.logger.Error("card hold cancel failed", "ride_id", r.ID, "ref", r.EscrowRef, "error", err)
			}
		}
		r.EscrowRef = ""
	} else if r.EscrowAmountCents > 0 {
		s.settler.RefundToRider(ctx, tx, r.ID, riderPhone, r.EscrowAmountCents)
	}
	r.EscrowAmountCents = 0
}

// CancelByRider returns the ride to the requested pseudo-state with the
// driver cleared. The full escrow goes back to the rider.
func (s *Service) CancelByRider(ctx context.Context, rideID, riderUserID string) (*models.Ride, error) {
	var ride *models.Ride
	var from string
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.RiderUserID != riderUserID {
			return apperrors.Conflict("not_ride_owner", "ride %s belongs to another rider", rideID)
		}
		switch r.Status {
		case models.RideRequested, models.RideAssigned, models.RideAccepted:
		default:
			return apperrors.Conflict("invalid_transition", "cannot cancel ride in status %s", r.Status)
		}
		from = r.Status

		if r.DriverID != "" {
			drv, err := s.lockDriver(ctx, tx, r.DriverID)
			if err != nil {
				return err
			}
			drv.Status = models.DriverAvailable
			if err := tx.UpdateDriver(ctx, drv); err != nil {
				return err
			}
		}

		rider, err := tx.GetUser(ctx, r.RiderUserID)
		if err != nil {
			return err
		}
		s.refundEscrow(ctx, tx, r, rider.Phone)

		r.DriverID = ""
		r.Status = models.RideRequested
		r.AcceptedAt = nil
		r.ETAPickupPredictedMins = nil
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	transition(from, models.RideRequested)
	s.notify(ctx, ride, "canceled_by_rider", nil)
	return ride, nil
}

// CancelByDriver releases the driver and tries to hand the ride to the next
// nearest driver in the same transaction. Escrow stays held while a
// replacement is found; when none is, it goes back to the rider.
func (s *Service) CancelByDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	var ride *models.Ride
	var from string
	var rematched bool
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID != driverID {
			return apperrors.Conflict("not_assigned_driver", "ride %s belongs to another driver", rideID)
		}
		switch r.Status {
		case models.RideAssigned, models.RideAccepted:
		default:
			return apperrors.Conflict("invalid_transition", "cannot cancel ride in status %s", r.Status)
		}
		from = r.Status

		drv, err := s.lockDriver(ctx, tx, driverID)
		if err != nil {
			return err
		}

		r.DriverID = ""
		r.Status = models.RideRequested
		r.AcceptedAt = nil
		r.ETAPickupPredictedMins = nil

		// Rematch before freeing the old driver so it cannot claim its own
		// canceled ride.
		if next, loc, err := s.matcher.FindAndClaim(ctx, tx, r.Pickup, r.RideClass, s.cfg.AssignRadiusKm, false); err == nil {
			s.assign(ctx, tx, r, next, loc)
			rematched = true
		} else if !errors.Is(err, match.ErrNoDriver) {
			return err
		}

		if !rematched {
			rider, err := tx.GetUser(ctx, r.RiderUserID)
			if err != nil {
				return err
			}
			s.refundEscrow(ctx, tx, r, rider.Phone)
		}

		drv.Status = models.DriverAvailable
		if err := tx.UpdateDriver(ctx, drv); err != nil {
			return err
		}
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	transition(from, ride.Status)
	s.notify(ctx, ride, "canceled_by_driver", map[string]any{"rematched": rematched})
	return ride, nil
}

// Reassign strips a stale assignment and offers the ride to the next nearest
// driver, searching a widened radius and relaxing the wallet gate per config.
// Used by the timeout reaper and the admin endpoint, which may also break an
// accepted ride.
func (s *Service) Reassign(ctx context.Context, rideID, reason string) (*models.Ride, bool, error) {
	radius := s.cfg.AssignRadiusKm * s.cfg.ReassignRadiusFactor
	return s.reassign(ctx, rideID, reason, "", radius, s.cfg.ReassignRelaxWallet, true)
}

// ReassignByActor lets the rider or the currently assigned driver requeue a
// ride that has not been accepted yet.
func (s *Service) ReassignByActor(ctx context.Context, rideID, actorID string) (*models.Ride, bool, error) {
	if actorID == "" {
		return nil, false, apperrors.Validation("missing_actor", "actor_id is required")
	}
	return s.reassign(ctx, rideID, "participant", actorID, s.cfg.AssignRadiusKm, false, false)
}

func (s *Service) reassign(ctx context.Context, rideID, reason, actorID string, radius float64, relaxWallet, allowAccepted bool) (*models.Ride, bool, error) {
	var ride *models.Ride
	var rematched bool
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := s.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if actorID != "" && actorID != r.RiderUserID && actorID != r.DriverID {
			return apperrors.PolicyDenied("not_ride_participant", "only the rider or assigned driver may reassign ride %s", rideID)
		}
		switch r.Status {
		case models.RideRequested, models.RideAssigned:
		case models.RideAccepted:
			if !allowAccepted {
				return apperrors.Conflict("invalid_transition", "cannot reassign ride in status %s", r.Status)
			}
		default:
			return apperrors.Conflict("invalid_transition", "cannot reassign ride in status %s", r.Status)
		}

		var old *models.Driver
		if r.DriverID != "" {
			old, err = s.lockDriver(ctx, tx, r.DriverID)
			if err != nil {
				return err
			}
		}

		r.DriverID = ""
		r.Status = models.RideRequested
		r.AcceptedAt = nil
		r.ETAPickupPredictedMins = nil

		if next, loc, err := s.matcher.FindAndClaim(ctx, tx, r.Pickup, r.RideClass, radius, relaxWallet); err == nil {
			s.assign(ctx, tx, r, next, loc)
			rematched = true
		} else if !errors.Is(err, match.ErrNoDriver) {
			return err
		}

		if old != nil {
			old.Status = models.DriverAvailable
			if err := tx.UpdateDriver(ctx, old); err != nil {
				return err
			}
		}
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		observability.ReassignEvents.WithLabelValues(reason, "error").Inc()
		return nil, false, err
	}
	result := "requeued"
	if rematched {
		result = "reassigned"
	}
	observability.ReassignEvents.WithLabelValues(reason, result).Inc()
	s.notify(ctx, ride, "ride_reassigned", map[string]any{"reason": reason, "rematched": rematched})
	return ride, rematched, nil
}

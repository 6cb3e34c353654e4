// Package lifecycle drives rides through request, assignment, acceptance,
// start, completion and the two cancellation paths. Every transition runs in
// one store transaction holding row locks in ride, driver, wallet, user
// order; notifications fan out only after the transaction commits.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/match"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/routing"
	"github.com/example/taxi-dispatch/internal/settlement"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Settler is the slice of the settlement service the lifecycle needs.
type Settler interface {
	HoldEscrow(ctx context.Context, rideID, riderPhone string, amountCents int64) error
	ReleaseToDriver(ctx context.Context, tx storage.Tx, rideID, driverPhone string, amountCents int64)
	RefundToRider(ctx context.Context, tx storage.Tx, rideID, riderPhone string, amountCents int64)
	SettleFee(ctx context.Context, tx storage.Tx, rideID string, amountCents int64)
}

// Notifier receives post-commit ride events and best-effort mobile pushes.
// The dispatch hub implements it.
type Notifier interface {
	RideEvent(ctx context.Context, rideID, driverID, event, status string, data map[string]any)
	Push(ctx context.Context, deviceToken, title, body string, data map[string]any)
}

type Service struct {
	cfg      config.Config
	store    storage.Store
	matcher  *match.Matcher
	pricer   *pricing.Engine
	guard    *fraud.Guard
	settler  Settler
	cards    settlement.CardEscrow
	router   routing.Provider
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg config.Config, store storage.Store, matcher *match.Matcher, pricer *pricing.Engine,
	guard *fraud.Guard, settler Settler, cards settlement.CardEscrow, router routing.Provider,
	notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		matcher:  matcher,
		pricer:   pricer,
		guard:    guard,
		settler:  settler,
		cards:    cards,
		router:   router,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) notify(ctx context.Context, r *models.Ride, event string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.RideEvent(ctx, r.ID, r.DriverID, event, r.Status, data)
}

func (s *Service) push(ctx context.Context, deviceToken, title, body string, data map[string]any) {
	if s.notifier == nil || deviceToken == "" {
		return
	}
	s.notifier.Push(ctx, deviceToken, title, body, data)
}

func transition(from, to string) {
	observability.StatusTransitions.WithLabelValues(from, to).Inc()
}

// QuoteInput describes a fare estimate request.
type QuoteInput struct {
	Pickup    models.Coord
	Stops     []models.Coord
	Dropoff   models.Coord
	RideClass string
	PromoCode string
}

// Quote prices a prospective ride without creating anything.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (*models.Quote, error) {
	var q models.Quote
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		// Surge reflects supply near the pickup, not fleet-wide.
		available, err := tx.CountAvailableDriversNear(ctx, in.Pickup, s.cfg.AssignRadiusKm)
		if err != nil {
			return err
		}
		quote, err := s.pricer.Quote(ctx, in.Pickup, in.Stops, in.Dropoff, in.RideClass, available)
		if err != nil {
			return err
		}
		if code := strings.TrimSpace(in.PromoCode); code != "" {
			promo, err := tx.GetPromoByCode(ctx, code)
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NotFound("promo_not_found", "promo code %s not found", code)
			}
			if err != nil {
				return err
			}
			discount, err := pricing.PromoDiscount(promo, quote.FareCents, s.now())
			if err != nil {
				return err
			}
			quote.AppliedPromo = promo.Code
			quote.DiscountCents = discount
			quote.FinalQuoteCents = quote.FareCents - discount
		}
		q = quote
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// RequestInput creates a ride. Prepay overrides the pay-mode default: when
// nil, "self" rides prepay into escrow and the rest settle later.
type RequestInput struct {
	RiderUserID    string
	Pickup         models.Coord
	Stops          []models.Coord
	Dropoff        models.Coord
	RideClass      string
	PayMode        string
	Prepay         *bool
	PromoCode      string
	PassengerName  string
	PassengerPhone string
}

func (in RequestInput) effectivePrepay() bool {
	if in.Prepay != nil {
		return *in.Prepay
	}
	return in.PayMode == models.PaySelf
}

func (in RequestInput) validate() error {
	if in.RiderUserID == "" {
		return apperrors.Validation("missing_rider", "rider_user_id is required")
	}
	switch in.PayMode {
	case "", models.PaySelf, models.PayCash, models.PayCard:
	default:
		return apperrors.Validation("invalid_pay_mode", "unknown pay mode %q", in.PayMode)
	}
	return nil
}

// Request creates a ride, applies promo and loyalty pricing, holds escrow
// when the ride prepays, and tries to assign the nearest driver. A failed
// escrow hold fails the request; finding no driver does not.
func (s *Service) Request(ctx context.Context, in RequestInput) (*models.Ride, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	payMode := in.PayMode
	if payMode == "" {
		payMode = models.PaySelf
	}

	var ride *models.Ride
	var matched bool
	var riderToken string
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rider, err := tx.GetUser(ctx, in.RiderUserID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("rider_not_found", "rider %s not found", in.RiderUserID)
		}
		if err != nil {
			return err
		}
		if err := s.guard.CheckUserSuspended(ctx, tx, rider.ID); err != nil {
			return err
		}
		if err := s.guard.CheckRiderVelocity(ctx, tx, rider.ID); err != nil {
			return err
		}
		riderToken = rider.DeviceToken

		available, err := tx.CountAvailableDriversNear(ctx, in.Pickup, s.cfg.AssignRadiusKm)
		if err != nil {
			return err
		}
		quote, err := s.pricer.Quote(ctx, in.Pickup, in.Stops, in.Dropoff, in.RideClass, available)
		if err != nil {
			return err
		}
		fare := quote.FareCents

		now := s.now()
		r := &models.Ride{
			ID:             uuid.NewString(),
			RiderUserID:    rider.ID,
			Status:         models.RideRequested,
			Pickup:         in.Pickup,
			Dropoff:        in.Dropoff,
			Stops:          in.Stops,
			RideClass:      in.RideClass,
			PayMode:        payMode,
			PassengerName:  in.PassengerName,
			PassengerPhone: in.PassengerPhone,
			DistanceKm:     quote.DistanceKm,
			CreatedAt:      now,
		}

		if code := strings.TrimSpace(in.PromoCode); code != "" {
			fare, err = s.redeemPromo(ctx, tx, r, rider.ID, code, fare)
			if err != nil {
				return err
			}
		}

		// Loyalty free rides are granted at completion, once the rider's
		// counter is locked. The quote stays intact here.
		r.QuotedFareCents = fare

		if err := tx.CreateRide(ctx, r); err != nil {
			return err
		}

		if fare > 0 {
			switch {
			case payMode == models.PayCard && s.cards != nil:
				ref, err := s.cards.Hold(ctx, fare, r.ID)
				if err != nil {
					return apperrors.Unavailable("card_hold_failed", err)
				}
				r.EscrowRef = ref
				r.EscrowAmountCents = fare
			case in.effectivePrepay():
				if err := s.settler.HoldEscrow(ctx, r.ID, rider.Phone, fare); err != nil {
					return err
				}
				r.EscrowAmountCents = fare
			}
		}

		if drv, loc, err := s.matcher.FindAndClaim(ctx, tx, r.Pickup, r.RideClass, s.cfg.AssignRadiusKm, false); err == nil {
			s.assign(ctx, tx, r, drv, loc)
			matched = true
		} else if !errors.Is(err, match.ErrNoDriver) {
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

	s.notify(ctx, ride, "ride_requested", map[string]any{"fare_cents": ride.QuotedFareCents})
	if matched {
		transition(models.RideRequested, models.RideAssigned)
		s.notify(ctx, ride, "driver_assigned", map[string]any{"driver_id": ride.DriverID})
		s.push(ctx, riderToken, "Driver assigned", "A driver is on the way", map[string]any{"ride_id": ride.ID})
	}
	return ride, nil
}

// redeemPromo applies a promo to the fare. A promo that exists but no longer
// qualifies degrades to a zero discount instead of failing the request;
// Quote keeps surfacing those errors so riders learn why before booking.
func (s *Service) redeemPromo(ctx context.Context, tx storage.Tx, r *models.Ride, riderID, code string, fare int64) (int64, error) {
	promo, err := tx.GetPromoByCodeForUpdate(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apperrors.NotFound("promo_not_found", "promo code %s not found", code)
	}
	if err != nil {
		return 0, err
	}
	discount, err := pricing.PromoDiscount(promo, fare, s.now())
	if err != nil {
		if apperrors.IsValidation(err) {
			s.logger.Warn("promo not applicable, charging full fare", "ride_id", r.ID, "promo", promo.Code, "error", err)
			return fare, nil
		}
		return 0, err
	}
	if promo.PerUserMaxUses > 0 {
		used, err := tx.CountPromoRedemptionsByUser(ctx, promo.ID, riderID)
		if err != nil {
			return 0, err
		}
		if used >= promo.PerUserMaxUses {
			s.logger.Warn("promo per-user cap reached, charging full fare", "ride_id", r.ID, "promo", promo.Code)
			return fare, nil
		}
	}
	if err := tx.InsertPromoRedemption(ctx, &models.PromoRedemption{
		ID:          uuid.NewString(),
		PromoCodeID: promo.ID,
		RideID:      r.ID,
		RiderUserID: riderID,
		CreatedAt:   s.now(),
	}); err != nil {
		return 0, err
	}
	promo.UsesCount++
	if err := tx.UpdatePromo(ctx, promo); err != nil {
		return 0, err
	}
	return fare - discount, nil
}

// assign binds a claimed driver to the ride and records the pickup ETA
// prediction. The driver row is already locked by the matcher.
func (s *Service) assign(ctx context.Context, tx storage.Tx, r *models.Ride, drv *models.Driver, loc *models.DriverLocation) {
	r.DriverID = drv.ID
	r.Status = models.RideAssigned
	if loc != nil {
		if mins, err := s.router.ETAMinutes(ctx, loc.Loc, r.Pickup); err == nil {
			r.ETAPickupPredictedMins = &mins
		}
	}
	drv.Status = models.DriverBusy
	if err := tx.UpdateDriver(ctx, drv); err != nil {
		s.logger.Error("failed to mark driver busy", "driver_id", drv.ID, "error", err)
	}
}

// GetRide fetches a ride without locking.
func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var ride *models.Ride
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRide(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("ride_not_found", "ride %s not found", id)
		}
		if err != nil {
			return err
		}
		ride = r
		return nil
	})
	return ride, err
}

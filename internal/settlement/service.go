// Package settlement moves ride money through the internal ledger: escrow
// holds at request time, releases and refunds at completion or cancellation,
// and platform fee collection. Only the initial escrow hold is allowed to
// fail a ride; every other move is best-effort and durably retried through
// the settlement outbox.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Ledger operation names. They double as the suffix of idempotency keys, so
// retries of the same move always carry the same key.
const (
	OpEscrow        = "escrow"
	OpFee           = "fee"
	OpEscrowRelease = "escrow_release"
	OpEscrowRefund  = "escrow_refund"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call.
var ErrBreakerOpen = errors.New("ledger circuit breaker open")

// IdemKey builds the deterministic idempotency key for a ride operation.
func IdemKey(rideID, op string) string {
	return "taxi:" + rideID + ":" + op
}

type Service struct {
	ledger  Ledger
	breaker Breaker
	logger  *slog.Logger

	escrowPhone string
	poolPhone   string
	feePhone    string

	retryDelay time.Duration
	now        func() time.Time
}

func NewService(ledger Ledger, breaker Breaker, logger *slog.Logger, escrowPhone, poolPhone, feePhone string) *Service {
	return &Service{
		ledger:      ledger,
		breaker:     breaker,
		logger:      logger,
		escrowPhone: escrowPhone,
		poolPhone:   poolPhone,
		feePhone:    feePhone,
		retryDelay:  30 * time.Second,
		now:         time.Now,
	}
}

func (s *Service) Breaker() Breaker { return s.breaker }

// PoolPhone is the ledger wallet backing driver balances.
func (s *Service) PoolPhone() string { return s.poolPhone }

// HoldEscrow moves the fare from the rider into the escrow wallet. This is
// the one settlement call whose failure must fail the ride request.
func (s *Service) HoldEscrow(ctx context.Context, rideID, riderPhone string, amountCents int64) error {
	if err := s.transfer(ctx, OpEscrow, riderPhone, s.escrowPhone, amountCents, IdemKey(rideID, OpEscrow)); err != nil {
		return apperrors.Unavailable("escrow_failed", err)
	}
	return nil
}

// ReleaseToDriver pays the driver take-home out of escrow. Best-effort: a
// failure enqueues a durable intent and the ride still completes.
func (s *Service) ReleaseToDriver(ctx context.Context, tx storage.Tx, rideID, driverPhone string, amountCents int64) {
	s.bestEffort(ctx, tx, OpEscrowRelease, rideID, s.escrowPhone, driverPhone, amountCents)
}

// RefundToRider returns escrowed money after a cancellation.
func (s *Service) RefundToRider(ctx context.Context, tx storage.Tx, rideID, riderPhone string, amountCents int64) {
	s.bestEffort(ctx, tx, OpEscrowRefund, rideID, s.escrowPhone, riderPhone, amountCents)
}

// SettleFee sweeps the platform fee out of the pool wallet that backs
// driver balances; the matching debit is booked on the driver's wallet by
// the caller.
func (s *Service) SettleFee(ctx context.Context, tx storage.Tx, rideID string, amountCents int64) {
	s.bestEffort(ctx, tx, OpFee, rideID, s.poolPhone, s.feePhone, amountCents)
}

// TransferTopup moves a driver top-up from their main wallet into the pool.
// Failures are fatal to the top-up, mirroring the escrow hold.
func (s *Service) TransferTopup(ctx context.Context, op, key, fromPhone, toPhone string, amountCents int64) error {
	if err := s.transfer(ctx, op, fromPhone, toPhone, amountCents, key); err != nil {
		return apperrors.Unavailable("ledger_transfer_failed", err)
	}
	return nil
}

func (s *Service) bestEffort(ctx context.Context, tx storage.Tx, op, rideID, fromPhone, toPhone string, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	err := s.transfer(ctx, op, fromPhone, toPhone, amountCents, IdemKey(rideID, op))
	if err == nil {
		return
	}
	s.logger.Warn("settlement transfer failed, enqueueing intent",
		"op", op, "ride_id", rideID, "amount_cents", amountCents, "error", err)

	intent := &models.SettlementIntent{
		ID:             uuid.NewString(),
		Op:             op,
		RideID:         rideID,
		FromPhone:      fromPhone,
		ToPhone:        toPhone,
		AmountCents:    amountCents,
		IdempotencyKey: IdemKey(rideID, op),
		Status:         models.IntentPending,
		NextAttemptAt:  s.now().Add(s.retryDelay),
		CreatedAt:      s.now(),
	}
	if insErr := tx.InsertSettlementIntent(ctx, intent); insErr != nil {
		s.logger.Error("failed to persist settlement intent", "op", op, "ride_id", rideID, "error", insErr)
	}
}

func (s *Service) transfer(ctx context.Context, op, fromPhone, toPhone string, amountCents int64, key string) error {
	if amountCents <= 0 {
		return nil
	}
	if !s.breaker.Allowed(op) {
		observability.LedgerCalls.WithLabelValues(op, "skipped_cb_open").Inc()
		return ErrBreakerOpen
	}
	err := s.ledger.Transfer(ctx, TransferRequest{
		FromPhone:      fromPhone,
		ToPhone:        toPhone,
		AmountCents:    amountCents,
		Note:           op,
		IdempotencyKey: key,
	})
	s.breaker.Record(op, err == nil)
	if err != nil {
		observability.LedgerCalls.WithLabelValues(op, "err").Inc()
		return err
	}
	observability.LedgerCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

package settlement

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Drainer retries pending settlement intents. Each drain claims due rows
// with a skip-locked read so concurrent instances never double-send; the
// retried transfer reuses the intent's idempotency key. Escrow releases and
// refunds that keep failing are escalated to a ledger payment request so an
// operator can finish the move by hand.
type Drainer struct {
	store       storage.Store
	ledger      Ledger
	breaker     Breaker
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	batchSize   int
	now         func() time.Time
}

func NewDrainer(store storage.Store, ledger Ledger, breaker Breaker, logger *slog.Logger, interval time.Duration, maxAttempts int) *Drainer {
	return &Drainer{
		store:       store,
		ledger:      ledger,
		breaker:     breaker,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   50,
		now:         time.Now,
	}
}

// Run drains on a jittered ticker until the context is canceled. The jitter
// keeps multiple instances from sweeping in lockstep.
func (d *Drainer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.interval + jitter(d.interval)):
		}
		if n, err := d.DrainOnce(ctx); err != nil {
			d.logger.Error("outbox drain failed", "error", err)
		} else if n > 0 {
			d.logger.Info("outbox drained", "processed", n)
		}
	}
}

// DrainOnce processes one batch of due intents and returns how many it saw.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	processed := 0
	err := d.store.InTx(ctx, func(tx storage.Tx) error {
		due, err := tx.DueSettlementIntents(ctx, d.now(), d.batchSize)
		if err != nil {
			return err
		}
		for _, in := range due {
			processed++
			d.attempt(ctx, tx, in)
		}
		return nil
	})
	return processed, err
}

func (d *Drainer) attempt(ctx context.Context, tx storage.Tx, in *models.SettlementIntent) {
	if !d.breaker.Allowed(in.Op) {
		in.NextAttemptAt = d.now().Add(d.interval)
		d.update(ctx, tx, in)
		observability.OutboxDrained.WithLabelValues("retry").Inc()
		return
	}

	err := d.ledger.Transfer(ctx, TransferRequest{
		FromPhone:      in.FromPhone,
		ToPhone:        in.ToPhone,
		AmountCents:    in.AmountCents,
		Note:           in.Op,
		IdempotencyKey: in.IdempotencyKey,
	})
	d.breaker.Record(in.Op, err == nil)
	in.Attempts++

	if err == nil {
		in.Status = models.IntentDone
		in.LastError = ""
		d.update(ctx, tx, in)
		observability.OutboxDrained.WithLabelValues("done").Inc()
		return
	}

	in.LastError = err.Error()
	if in.Attempts >= d.maxAttempts {
		d.escalate(ctx, in)
		in.Status = models.IntentFailed
		d.update(ctx, tx, in)
		observability.OutboxDrained.WithLabelValues("escalated").Inc()
		return
	}

	in.NextAttemptAt = d.now().Add(backoff(d.interval, in.Attempts))
	d.update(ctx, tx, in)
	observability.OutboxDrained.WithLabelValues("retry").Inc()
	d.logger.Warn("settlement intent retry scheduled",
		"op", in.Op, "ride_id", in.RideID, "attempts", in.Attempts, "error", err)
}

func (d *Drainer) escalate(ctx context.Context, in *models.SettlementIntent) {
	switch in.Op {
	case OpEscrowRelease, OpEscrowRefund:
	default:
		return
	}
	err := d.ledger.CreatePaymentRequest(ctx, PaymentRequest{
		FromPhone:      in.FromPhone,
		ToPhone:        in.ToPhone,
		AmountCents:    in.AmountCents,
		Reason:         "settlement retries exhausted: " + in.Op,
		IdempotencyKey: in.IdempotencyKey + ":escalation",
	})
	if err != nil {
		d.logger.Error("settlement escalation failed", "op", in.Op, "ride_id", in.RideID, "error", err)
		return
	}
	d.logger.Warn("settlement escalated to payment request", "op", in.Op, "ride_id", in.RideID)
}

func (d *Drainer) update(ctx context.Context, tx storage.Tx, in *models.SettlementIntent) {
	if err := tx.UpdateSettlementIntent(ctx, in); err != nil {
		d.logger.Error("failed to update settlement intent", "id", in.ID, "error", err)
	}
}

func backoff(base time.Duration, attempts int) time.Duration {
	d := base << uint(attempts)
	if d > time.Hour {
		d = time.Hour
	}
	return d
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

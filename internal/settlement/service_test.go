package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type fakeLedger struct {
	mu        sync.Mutex
	transfers []TransferRequest
	requests  []PaymentRequest
	failOps   map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failOps: make(map[string]error)}
}

func (f *fakeLedger) Transfer(_ context.Context, req TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOps[req.Note]; ok {
		return err
	}
	f.transfers = append(f.transfers, req)
	return nil
}

func (f *fakeLedger) CreatePaymentRequest(_ context.Context, req PaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestService(ledger Ledger) *Service {
	return NewService(ledger, NewCircuitBreaker(3, time.Minute), testLogger, "+escrow", "+pool", "+fee")
}

func TestHoldEscrowFatalOnFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOps[OpEscrow] = errors.New("ledger down")
	svc := newTestService(ledger)

	err := svc.HoldEscrow(context.Background(), "r1", "+rider", 5000)
	if !apperrors.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestHoldEscrowIdempotencyKey(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	if err := svc.HoldEscrow(context.Background(), "r1", "+rider", 5000); err != nil {
		t.Fatalf("hold: %v", err)
	}
	got := ledger.transfers[0]
	if got.IdempotencyKey != "taxi:r1:escrow" {
		t.Fatalf("key: %s", got.IdempotencyKey)
	}
	if got.FromPhone != "+rider" || got.ToPhone != "+escrow" || got.AmountCents != 5000 {
		t.Fatalf("unexpected transfer %+v", got)
	}
}

func TestBreakerSkipsAfterRepeatedFailures(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOps[OpEscrow] = errors.New("ledger down")
	svc := newTestService(ledger)

	for i := 0; i < 3; i++ {
		_ = svc.HoldEscrow(context.Background(), "r1", "+rider", 100)
	}
	err := svc.HoldEscrow(context.Background(), "r1", "+rider", 100)
	if !apperrors.IsUnavailable(err) || !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected breaker-open unavailable, got %v", err)
	}
}

func TestBestEffortEnqueuesIntentOnFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOps[OpEscrowRelease] = errors.New("ledger down")
	svc := newTestService(ledger)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		svc.ReleaseToDriver(ctx, tx, "r1", "+driver", 9000)
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	intents := store.Intents()
	if len(intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(intents))
	}
	in := intents[0]
	if in.Op != OpEscrowRelease || in.IdempotencyKey != "taxi:r1:escrow_release" || in.Status != models.IntentPending {
		t.Fatalf("unexpected intent %+v", in)
	}
	if in.FromPhone != "+escrow" || in.ToPhone != "+driver" || in.AmountCents != 9000 {
		t.Fatalf("unexpected intent routing %+v", in)
	}
}

func TestBestEffortSuccessLeavesNoIntent(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	_ = store.InTx(ctx, func(tx storage.Tx) error {
		svc.SettleFee(ctx, tx, "r1", 500)
		return nil
	})
	if len(store.Intents()) != 0 {
		t.Fatalf("no intent expected on success")
	}
	if ledger.transferCount() != 1 {
		t.Fatalf("expected one transfer")
	}
}

func TestOutboxDrainerRetriesAndCompletes(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOps[OpEscrowRelease] = errors.New("ledger down")
	store := storage.NewMemoryStore()
	ctx := context.Background()

	svc := newTestService(ledger)
	_ = store.InTx(ctx, func(tx storage.Tx) error {
		svc.ReleaseToDriver(ctx, tx, "r1", "+driver", 9000)
		return nil
	})

	d := NewDrainer(store, ledger, NopBreaker{}, testLogger, time.Second, 5)
	now := time.Now().Add(time.Hour)
	d.now = func() time.Time { return now }

	// Still failing: attempt is recorded and rescheduled.
	if _, err := d.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	in := store.Intents()[0]
	if in.Attempts != 1 || in.Status != models.IntentPending || in.LastError == "" {
		t.Fatalf("unexpected intent after failed drain %+v", in)
	}

	// Ledger recovers: next drain succeeds with the original key.
	delete(ledger.failOps, OpEscrowRelease)
	now = now.Add(2 * time.Hour)
	if _, err := d.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	in = store.Intents()[0]
	if in.Status != models.IntentDone {
		t.Fatalf("intent should be done, got %+v", in)
	}
	last := ledger.transfers[len(ledger.transfers)-1]
	if last.IdempotencyKey != "taxi:r1:escrow_release" {
		t.Fatalf("retry must reuse idempotency key, got %s", last.IdempotencyKey)
	}
}

func TestOutboxDrainerEscalatesAfterMaxAttempts(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOps[OpEscrowRefund] = errors.New("ledger down")
	store := storage.NewMemoryStore()
	ctx := context.Background()

	svc := newTestService(ledger)
	_ = store.InTx(ctx, func(tx storage.Tx) error {
		svc.RefundToRider(ctx, tx, "r1", "+rider", 9000)
		return nil
	})

	d := NewDrainer(store, ledger, NopBreaker{}, testLogger, time.Millisecond, 2)
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Hour)
		if _, err := d.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	in := store.Intents()[0]
	if in.Status != models.IntentFailed || in.Attempts != 2 {
		t.Fatalf("intent should be failed after max attempts, got %+v", in)
	}
	if len(ledger.requests) != 1 {
		t.Fatalf("expected escalation payment request, got %d", len(ledger.requests))
	}
	if ledger.requests[0].FromPhone != "+escrow" || ledger.requests[0].ToPhone != "+rider" {
		t.Fatalf("unexpected escalation %+v", ledger.requests[0])
	}
}

func TestDrainJitterHandlesTinyIntervals(t *testing.T) {
	for _, interval := range []time.Duration{0, time.Nanosecond, 4 * time.Nanosecond} {
		if got := jitter(interval); got != 0 {
			t.Fatalf("interval %v: want zero jitter, got %v", interval, got)
		}
	}
	if got := jitter(time.Minute); got < 0 || got >= 12*time.Second {
		t.Fatalf("jitter out of range: %v", got)
	}
}

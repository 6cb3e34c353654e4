package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type fakeTransferer struct {
	calls []string
	fail  error
}

func (f *fakeTransferer) TransferTopup(_ context.Context, op, key, from, to string, amount int64) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, op)
	return nil
}

func (f *fakeTransferer) PoolPhone() string { return "+pool" }

func seed(s *storage.MemoryStore) {
	s.SeedUser(&models.User{ID: "u1", Phone: "+1001", Role: "driver"})
	s.SeedDriver(&models.Driver{ID: "d1", UserID: "u1", Status: models.DriverAvailable})
}

func newService(fail error) (*Service, *storage.MemoryStore, *fakeTransferer) {
	s := storage.NewMemoryStore()
	seed(s)
	tr := &fakeTransferer{fail: fail}
	return NewService(s, tr, slog.New(slog.NewTextHandler(io.Discard, nil))), s, tr
}

func TestTopupCreditsBalanceAndEntry(t *testing.T) {
	svc, s, tr := newService(nil)
	ctx := context.Background()

	w, err := svc.Topup(ctx, "d1", 5000, "")
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if w.BalanceCents != 5000 {
		t.Fatalf("balance: %d", w.BalanceCents)
	}
	if len(tr.calls) != 1 || tr.calls[0] != "wallet_topup" {
		t.Fatalf("ledger calls: %v", tr.calls)
	}
	entries := s.WalletEntries(w.ID)
	if len(entries) != 1 || entries[0].Type != models.EntryTopup || entries[0].AmountCentsSigned != 5000 {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestTopupFailsWhenLedgerFails(t *testing.T) {
	svc, s, _ := newService(errors.New("ledger down"))
	ctx := context.Background()

	if _, err := svc.Topup(ctx, "d1", 5000, ""); err == nil {
		t.Fatalf("expected error")
	}
	w, err := svc.Balance(ctx, "d1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if w.BalanceCents != 0 {
		t.Fatalf("failed topup must not credit, balance %d", w.BalanceCents)
	}
	if len(s.WalletEntries(w.ID)) != 0 {
		t.Fatalf("failed topup must not book entries")
	}
}

func TestWithdrawChecksBalance(t *testing.T) {
	svc, _, _ := newService(nil)
	ctx := context.Background()

	if _, err := svc.Topup(ctx, "d1", 5000, ""); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "d1", 6000, ""); !apperrors.IsConflict(err) {
		t.Fatalf("expected insufficient balance conflict, got %v", err)
	}

	w, err := svc.Withdraw(ctx, "d1", 3000, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.BalanceCents != 2000 {
		t.Fatalf("balance after withdraw: %d", w.BalanceCents)
	}
}

func TestBalanceEqualsEntrySum(t *testing.T) {
	svc, s, _ := newService(nil)
	ctx := context.Background()

	_, _ = svc.Topup(ctx, "d1", 5000, "")
	_, _ = svc.Topup(ctx, "d1", 2500, "")
	w, _ := svc.Withdraw(ctx, "d1", 1000, "")

	var sum int64
	for _, e := range s.WalletEntries(w.ID) {
		sum += e.AmountCentsSigned
	}
	if sum != w.BalanceCents {
		t.Fatalf("entry sum %d != balance %d", sum, w.BalanceCents)
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	svc, _, _ := newService(nil)
	ctx := context.Background()
	if _, err := svc.Topup(ctx, "d1", 0, ""); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, "d1", -5, ""); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation, got %v", err)
	}
}

// Package wallet manages driver balances: top-ups from the driver's main
// ledger wallet into the platform pool, and withdrawals back out. The
// balance always equals the signed sum of wallet entries.
package wallet

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

// Transferer is the slice of the settlement service wallet ops use.
type Transferer interface {
	TransferTopup(ctx context.Context, op, key, fromPhone, toPhone string, amountCents int64) error
	PoolPhone() string
}

type Service struct {
	store    storage.Store
	transfer Transferer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store storage.Store, transfer Transferer, logger *slog.Logger) *Service {
	return &Service{store: store, transfer: transfer, logger: logger, now: time.Now}
}

// Topup moves money from the driver's main ledger wallet into the pool and
// credits the driver's balance. The ledger transfer is fatal: no credit
// happens if the money did not move.
func (s *Service) Topup(ctx context.Context, driverID string, amountCents int64, idemKey string) (*models.Wallet, error) {
	if amountCents <= 0 {
		return nil, apperrors.Validation("invalid_amount", "top-up amount must be positive")
	}
	if idemKey == "" {
		idemKey = "wallet:" + driverID + ":topup:" + uuid.NewString()
	}

	var wallet *models.Wallet
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		drv, err := tx.GetDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("driver_not_found", "driver %s not found", driverID)
		}
		if err != nil {
			return err
		}
		owner, err := tx.GetUser(ctx, drv.UserID)
		if err != nil {
			return err
		}

		w, err := tx.GetWalletForUpdate(ctx, driverID)
		if err != nil {
			return err
		}

		if err := s.transfer.TransferTopup(ctx, "wallet_topup", idemKey, owner.Phone, s.transfer.PoolPhone(), amountCents); err != nil {
			observability.WalletEvents.WithLabelValues(models.EntryTopup, "err").Inc()
			return err
		}

		w.BalanceCents += amountCents
		if err := tx.InsertWalletEntry(ctx, &models.WalletEntry{
			ID:                uuid.NewString(),
			WalletID:          w.ID,
			Type:              models.EntryTopup,
			AmountCentsSigned: amountCents,
			CreatedAt:         s.now(),
		}); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		observability.WalletEvents.WithLabelValues(models.EntryTopup, "ok").Inc()
		wallet = w
		return nil
	})
	return wallet, err
}

// Withdraw moves money from the pool back to the driver's main ledger wallet
// after checking the balance covers it.
func (s *Service) Withdraw(ctx context.Context, driverID string, amountCents int64, idemKey string) (*models.Wallet, error) {
	if amountCents <= 0 {
		return nil, apperrors.Validation("invalid_amount", "withdraw amount must be positive")
	}
	if idemKey == "" {
		idemKey = "wallet:" + driverID + ":withdraw:" + uuid.NewString()
	}

	var wallet *models.Wallet
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		drv, err := tx.GetDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("driver_not_found", "driver %s not found", driverID)
		}
		if err != nil {
			return err
		}
		owner, err := tx.GetUser(ctx, drv.UserID)
		if err != nil {
			return err
		}

		w, err := tx.GetWalletForUpdate(ctx, driverID)
		if err != nil {
			return err
		}
		if w.BalanceCents < amountCents {
			return apperrors.Conflict("insufficient_balance", "balance %d below requested %d", w.BalanceCents, amountCents)
		}

		if err := s.transfer.TransferTopup(ctx, "wallet_withdraw", idemKey, s.transfer.PoolPhone(), owner.Phone, amountCents); err != nil {
			observability.WalletEvents.WithLabelValues(models.EntryWithdraw, "err").Inc()
			return err
		}

		w.BalanceCents -= amountCents
		if err := tx.InsertWalletEntry(ctx, &models.WalletEntry{
			ID:                uuid.NewString(),
			WalletID:          w.ID,
			Type:              models.EntryWithdraw,
			AmountCentsSigned: -amountCents,
			CreatedAt:         s.now(),
		}); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		observability.WalletEvents.WithLabelValues(models.EntryWithdraw, "ok").Inc()
		wallet = w
		return nil
	})
	return wallet, err
}

// Balance returns the wallet, creating an empty one when absent.
func (s *Service) Balance(ctx context.Context, driverID string) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, driverID)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	return wallet, err
}

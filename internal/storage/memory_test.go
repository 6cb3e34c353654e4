package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateRide(ctx, &models.Ride{ID: "r1", Status: models.RideRequested, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetRide(ctx, "r1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ride should have been rolled back, got %v", err)
	}
}

func TestMemoryStoreUpdateRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedDriver(&models.Driver{ID: "d1", Status: models.DriverAvailable})

	boom := errors.New("boom")
	_ = s.InTx(ctx, func(tx Tx) error {
		d, err := tx.GetDriverForUpdate(ctx, "d1")
		if err != nil {
			return err
		}
		d.Status = models.DriverBusy
		if err := tx.UpdateDriver(ctx, d); err != nil {
			return err
		}
		return boom
	})

	_ = s.InTx(ctx, func(tx Tx) error {
		d, err := tx.GetDriver(ctx, "d1")
		if err != nil {
			return err
		}
		if d.Status != models.DriverAvailable {
			t.Fatalf("update should have been rolled back, status %s", d.Status)
		}
		return nil
	})
}

func TestClaimDriverSkipsLockedRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedDriver(&models.Driver{ID: "d1", Status: models.DriverAvailable})

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.InTx(ctx, func(tx Tx) error {
			if _, _, err := tx.ClaimDriver(ctx, "d1"); err != nil {
				t.Errorf("first claim: %v", err)
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := s.InTx(ctx, func(tx Tx) error {
		_, ok, err := tx.ClaimDriver(ctx, "d1")
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("claim should have been skipped while row is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
	close(release)
	wg.Wait()

	// After release the row is claimable again.
	err = s.InTx(ctx, func(tx Tx) error {
		_, ok, err := tx.ClaimDriver(ctx, "d1")
		if err != nil {
			return err
		}
		if !ok {
			t.Errorf("claim should succeed after release")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("third tx: %v", err)
	}

	if _, _, err := claimMissing(ctx, s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing driver should return not found, got %v", err)
	}
}

func claimMissing(ctx context.Context, s *MemoryStore) (d *models.Driver, ok bool, err error) {
	errTx := s.InTx(ctx, func(tx Tx) error {
		d, ok, err = tx.ClaimDriver(ctx, "nope")
		return nil
	})
	if errTx != nil {
		return nil, false, errTx
	}
	return d, ok, err
}

func TestGetWalletForUpdateCreatesEmptyWallet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, "d1")
		if err != nil {
			return err
		}
		if w.BalanceCents != 0 || w.DriverID != "d1" || w.ID == "" {
			t.Fatalf("unexpected wallet %+v", w)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestStaleRideQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-10 * time.Minute)

	s.SeedRide(&models.Ride{ID: "stale", Status: models.RideAssigned, CreatedAt: old})
	s.SeedRide(&models.Ride{ID: "fresh", Status: models.RideAssigned, CreatedAt: now})
	acc := old
	s.SeedRide(&models.Ride{ID: "stuck", Status: models.RideAccepted, AcceptedAt: &acc, CreatedAt: old})

	err := s.InTx(ctx, func(tx Tx) error {
		assigned, err := tx.StaleAssignedRideIDs(ctx, now.Add(-time.Minute), 10)
		if err != nil {
			return err
		}
		if len(assigned) != 1 || assigned[0] != "stale" {
			t.Fatalf("unexpected stale assigned %v", assigned)
		}
		accepted, err := tx.StaleAcceptedRideIDs(ctx, now.Add(-time.Minute), 10)
		if err != nil {
			return err
		}
		if len(accepted) != 1 || accepted[0] != "stuck" {
			t.Fatalf("unexpected stale accepted %v", accepted)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestCountAvailableDriversNear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	center := models.Coord{Lat: 40.0, Lon: 40.0}

	s.SeedDriver(&models.Driver{ID: "near", Status: models.DriverAvailable})
	s.SeedLocation(&models.DriverLocation{DriverID: "near", Loc: models.Coord{Lat: 40.001, Lon: 40.0}, UpdatedAt: time.Now()})
	s.SeedDriver(&models.Driver{ID: "far", Status: models.DriverAvailable})
	s.SeedLocation(&models.DriverLocation{DriverID: "far", Loc: models.Coord{Lat: 41.0, Lon: 40.0}, UpdatedAt: time.Now()})
	s.SeedDriver(&models.Driver{ID: "busy", Status: models.DriverBusy})
	s.SeedLocation(&models.DriverLocation{DriverID: "busy", Loc: center, UpdatedAt: time.Now()})
	s.SeedDriver(&models.Driver{ID: "nofix", Status: models.DriverAvailable})

	err := s.InTx(ctx, func(tx Tx) error {
		n, err := tx.CountAvailableDriversNear(ctx, center, 5)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("want 1 available driver near center, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestWalletEntryForRide(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedDriver(&models.Driver{ID: "d1", Status: models.DriverAvailable})
	s.SeedWallet(&models.Wallet{ID: "w1", DriverID: "d1", BalanceCents: 1000})

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertWalletEntry(ctx, &models.WalletEntry{
			ID: "e1", WalletID: "w1", Type: models.EntryFee, AmountCentsSigned: -500,
			RideID: "r1", FeeCents: 500, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		e, err := tx.WalletEntryForRide(ctx, "r1", models.EntryFee)
		if err != nil {
			return err
		}
		if e.WalletID != "w1" || e.FeeCents != 500 {
			t.Fatalf("unexpected entry %+v", e)
		}
		if _, err := tx.WalletEntryForRide(ctx, "r2", models.EntryFee); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing entry should be ErrNotFound, got %v", err)
		}
		w, err := tx.GetWalletByDriver(ctx, "d1")
		if err != nil || w.ID != "w1" {
			t.Fatalf("wallet lookup: %+v %v", w, err)
		}
		if _, err := tx.GetWalletByDriver(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing wallet should be ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

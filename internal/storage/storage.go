// Package storage defines the transactional store behind matching, lifecycle
// and settlement. The Postgres implementation is authoritative; the memory
// implementation mirrors its locking semantics for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// ErrNotFound is returned for lookups of missing rows.
var ErrNotFound = errors.New("not found")

// Store runs closures inside a transaction. The transaction commits when the
// closure returns nil and rolls back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of repository operations available inside a transaction.
// ForUpdate variants take a row lock held to the end of the transaction;
// ClaimDriver and DueSettlementIntents use non-blocking locks and skip rows
// locked elsewhere.
type Tx interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserForUpdate(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, u *models.User) error

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverForUpdate(ctx context.Context, id string) (*models.Driver, error)
	// ClaimDriver locks a driver row without waiting. ok is false when the
	// row is locked by another transaction.
	ClaimDriver(ctx context.Context, id string) (d *models.Driver, ok bool, err error)
	CreateDriver(ctx context.Context, d *models.Driver) error
	UpdateDriver(ctx context.Context, d *models.Driver) error
	AvailableDriverIDs(ctx context.Context, limit int) ([]string, error)
	// CountAvailableDriversNear counts available drivers with a location fix
	// within radiusKm of center. Feeds the surge multiplier.
	CountAvailableDriversNear(ctx context.Context, center models.Coord, radiusKm float64) (int, error)

	GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
	UpsertDriverLocation(ctx context.Context, loc *models.DriverLocation) error

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetRideForUpdate(ctx context.Context, id string) (*models.Ride, error)
	CreateRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	ActiveRideIDForDriver(ctx context.Context, driverID string) (string, error)
	CountRiderRequestsSince(ctx context.Context, riderUserID string, since time.Time) (int, error)
	StaleAssignedRideIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	StaleAcceptedRideIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// GetWalletForUpdate locks the driver's wallet, creating an empty one
	// when absent.
	GetWalletForUpdate(ctx context.Context, driverID string) (*models.Wallet, error)
	// GetWalletByDriver reads the driver's wallet without locking it.
	GetWalletByDriver(ctx context.Context, driverID string) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, w *models.Wallet) error
	InsertWalletEntry(ctx context.Context, e *models.WalletEntry) error
	// WalletEntryForRide returns the first entry of the given type booked
	// against a ride, keying idempotent per-ride charges.
	WalletEntryForRide(ctx context.Context, rideID, entryType string) (*models.WalletEntry, error)

	ActiveSuspensionForUser(ctx context.Context, userID string, now time.Time) (*models.Suspension, error)
	ActiveSuspensionForDriver(ctx context.Context, driverID string, now time.Time) (*models.Suspension, error)
	InsertSuspension(ctx context.Context, s *models.Suspension) error
	InsertFraudEvent(ctx context.Context, e *models.FraudEvent) error

	GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error)
	GetPromoByCodeForUpdate(ctx context.Context, code string) (*models.PromoCode, error)
	UpdatePromo(ctx context.Context, p *models.PromoCode) error
	CountPromoRedemptionsByUser(ctx context.Context, promoID, userID string) (int, error)
	InsertPromoRedemption(ctx context.Context, r *models.PromoRedemption) error

	InsertSettlementIntent(ctx context.Context, in *models.SettlementIntent) error
	DueSettlementIntents(ctx context.Context, now time.Time, limit int) ([]*models.SettlementIntent, error)
	UpdateSettlementIntent(ctx context.Context, in *models.SettlementIntent) error
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

// PostgresStore is the production Store backed by database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping reports backend connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Exec runs a raw statement, used for applying migrations at startup.
func (s *PostgresStore) Exec(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: dbTx}); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

const userCols = `id, phone, name, role, device_token, rider_loyalty_count, driver_loyalty_count, created_at`

func (t *pgTx) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.Role, &u.DeviceToken, &u.RiderLoyaltyCount, &u.DriverLoyaltyCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return t.scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	return t.scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) CreateUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO users (id, phone, name, role, device_token, rider_loyalty_count, driver_loyalty_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Phone, u.Name, u.Role, u.DeviceToken, u.RiderLoyaltyCount, u.DriverLoyaltyCount, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET phone = $2, name = $3, role = $4, device_token = $5, rider_loyalty_count = $6, driver_loyalty_count = $7
		 WHERE id = $1`,
		u.ID, u.Phone, u.Name, u.Role, u.DeviceToken, u.RiderLoyaltyCount, u.DriverLoyaltyCount)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

const driverCols = `id, user_id, status, ride_class, vehicle_make, vehicle_plate, created_at`

func (t *pgTx) scanDriver(row *sql.Row) (*models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.UserID, &d.Status, &d.RideClass, &d.VehicleMake, &d.VehiclePlate, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan driver: %w", err)
	}
	return &d, nil
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return t.scanDriver(t.tx.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id = $1`, id))
}

func (t *pgTx) GetDriverForUpdate(ctx context.Context, id string) (*models.Driver, error) {
	return t.scanDriver(t.tx.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ClaimDriver(ctx context.Context, id string) (*models.Driver, bool, error) {
	d, err := t.scanDriver(t.tx.QueryRowContext(ctx,
		`SELECT `+driverCols+` FROM drivers WHERE id = $1 FOR UPDATE SKIP LOCKED`, id))
	if errors.Is(err, ErrNotFound) {
		// Either missing or locked by a concurrent claim.
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM drivers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, false, fmt.Errorf("check driver: %w", err)
		}
		if !exists {
			return nil, false, ErrNotFound
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (t *pgTx) CreateDriver(ctx context.Context, d *models.Driver) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO drivers (id, user_id, status, ride_class, vehicle_make, vehicle_plate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.UserID, d.Status, d.RideClass, d.VehicleMake, d.VehiclePlate, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert driver: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateDriver(ctx context.Context, d *models.Driver) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE drivers SET status = $2, ride_class = $3, vehicle_make = $4, vehicle_plate = $5 WHERE id = $1`,
		d.ID, d.Status, d.RideClass, d.VehicleMake, d.VehiclePlate)
	if err != nil {
		return fmt.Errorf("update driver: %w", err)
	}
	return nil
}

func (t *pgTx) AvailableDriverIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM drivers WHERE status = $1 ORDER BY created_at LIMIT $2`,
		models.DriverAvailable, limit)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (t *pgTx) CountAvailableDriversNear(ctx context.Context, center models.Coord, radiusKm float64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drivers d
		 JOIN driver_locations l ON l.driver_id = d.id
		 WHERE d.status = $1
		   AND 2 * 6371 * asin(sqrt(
				power(sin(radians(l.lat - $2) / 2), 2) +
				cos(radians($2)) * cos(radians(l.lat)) *
				power(sin(radians(l.lon - $3) / 2), 2))) <= $4`,
		models.DriverAvailable, center.Lat, center.Lon, radiusKm).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count drivers near: %w", err)
	}
	return n, nil
}

func (t *pgTx) GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	var l models.DriverLocation
	err := t.tx.QueryRowContext(ctx,
		`SELECT driver_id, lat, lon, updated_at FROM driver_locations WHERE driver_id = $1`, driverID).
		Scan(&l.DriverID, &l.Loc.Lat, &l.Loc.Lon, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan driver location: %w", err)
	}
	return &l, nil
}

func (t *pgTx) UpsertDriverLocation(ctx context.Context, loc *models.DriverLocation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO driver_locations (driver_id, lat, lon, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (driver_id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at`,
		loc.DriverID, loc.Loc.Lat, loc.Loc.Lon, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert driver location: %w", err)
	}
	return nil
}

const rideCols = `id, rider_user_id, COALESCE(driver_id, ''), status,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, stops,
	ride_class, pay_mode, passenger_name, passenger_phone,
	quoted_fare_cents, final_fare_cents, distance_km,
	escrow_amount_cents, escrow_released, escrow_ref, eta_pickup_predicted_mins,
	rider_reward_applied, driver_reward_fee_waived,
	accepted_at, started_at, completed_at, created_at`

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var stops []byte
	var finalFare sql.NullInt64
	var etaMins sql.NullInt64
	err := row.Scan(&r.ID, &r.RiderUserID, &r.DriverID, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &stops,
		&r.RideClass, &r.PayMode, &r.PassengerName, &r.PassengerPhone,
		&r.QuotedFareCents, &finalFare, &r.DistanceKm,
		&r.EscrowAmountCents, &r.EscrowReleased, &r.EscrowRef, &etaMins,
		&r.RiderRewardApplied, &r.DriverRewardFeeWaived,
		&r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	if finalFare.Valid {
		r.FinalFareCents = &finalFare.Int64
	}
	if etaMins.Valid {
		v := int(etaMins.Int64)
		r.ETAPickupPredictedMins = &v
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &r.Stops); err != nil {
			return nil, fmt.Errorf("decode stops: %w", err)
		}
	}
	return &r, nil
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id))
}

func (t *pgTx) GetRideForUpdate(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1 FOR UPDATE`, id))
}

func rideArgs(r *models.Ride) ([]any, error) {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return nil, fmt.Errorf("encode stops: %w", err)
	}
	var driverID any
	if r.DriverID != "" {
		driverID = r.DriverID
	}
	var finalFare any
	if r.FinalFareCents != nil {
		finalFare = *r.FinalFareCents
	}
	var etaMins any
	if r.ETAPickupPredictedMins != nil {
		etaMins = *r.ETAPickupPredictedMins
	}
	return []any{
		r.ID, r.RiderUserID, driverID, r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, stops,
		r.RideClass, r.PayMode, r.PassengerName, r.PassengerPhone,
		r.QuotedFareCents, finalFare, r.DistanceKm,
		r.EscrowAmountCents, r.EscrowReleased, r.EscrowRef, etaMins,
		r.RiderRewardApplied, r.DriverRewardFeeWaived,
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CreatedAt,
	}, nil
}

func (t *pgTx) CreateRide(ctx context.Context, r *models.Ride) error {
	args, err := rideArgs(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO rides (id, rider_user_id, driver_id, status,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, stops,
			ride_class, pay_mode, passenger_name, passenger_phone,
			quoted_fare_cents, final_fare_cents, distance_km,
			escrow_amount_cents, escrow_released, escrow_ref, eta_pickup_predicted_mins,
			rider_reward_applied, driver_reward_fee_waived,
			accepted_at, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`, args...)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRide(ctx context.Context, r *models.Ride) error {
	args, err := rideArgs(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE rides SET rider_user_id = $2, driver_id = $3, status = $4,
			pickup_lat = $5, pickup_lon = $6, dropoff_lat = $7, dropoff_lon = $8, stops = $9,
			ride_class = $10, pay_mode = $11, passenger_name = $12, passenger_phone = $13,
			quoted_fare_cents = $14, final_fare_cents = $15, distance_km = $16,
			escrow_amount_cents = $17, escrow_released = $18, escrow_ref = $19, eta_pickup_predicted_mins = $20,
			rider_reward_applied = $21, driver_reward_fee_waived = $22,
			accepted_at = $23, started_at = $24, completed_at = $25
		 WHERE id = $1`, args[:25]...)
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveRideIDForDriver(ctx context.Context, driverID string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM rides WHERE driver_id = $1 AND status IN ($2, $3, $4) LIMIT 1`,
		driverID, models.RideAssigned, models.RideAccepted, models.RideEnroute).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("active ride for driver: %w", err)
	}
	return id, nil
}

func (t *pgTx) CountRiderRequestsSince(ctx context.Context, riderUserID string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rides WHERE rider_user_id = $1 AND created_at >= $2`,
		riderUserID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rider requests: %w", err)
	}
	return n, nil
}

func (t *pgTx) StaleAssignedRideIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM rides WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		models.RideAssigned, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale assigned rides: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (t *pgTx) StaleAcceptedRideIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM rides WHERE status = $1 AND accepted_at IS NOT NULL AND accepted_at < $2
		 ORDER BY accepted_at LIMIT $3`,
		models.RideAccepted, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale accepted rides: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, driverID string) (*models.Wallet, error) {
	// Insert-if-absent first so the subsequent lock always has a row.
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (id, driver_id, balance_cents, created_at)
		 VALUES ($1, $2, 0, $3) ON CONFLICT (driver_id) DO NOTHING`,
		newID(), driverID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	var w models.Wallet
	err = t.tx.QueryRowContext(ctx,
		`SELECT id, driver_id, balance_cents, created_at FROM wallets WHERE driver_id = $1 FOR UPDATE`,
		driverID).Scan(&w.ID, &w.DriverID, &w.BalanceCents, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

func (t *pgTx) GetWalletByDriver(ctx context.Context, driverID string) (*models.Wallet, error) {
	var w models.Wallet
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, driver_id, balance_cents, created_at FROM wallets WHERE driver_id = $1`,
		driverID).Scan(&w.ID, &w.DriverID, &w.BalanceCents, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance_cents = $2 WHERE id = $1`, w.ID, w.BalanceCents)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWalletEntry(ctx context.Context, e *models.WalletEntry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}
	var rideID any
	if e.RideID != "" {
		rideID = e.RideID
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO wallet_entries (id, wallet_id, type, amount_cents_signed, ride_id,
			original_fare_cents, fee_cents, driver_take_home_cents, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.WalletID, e.Type, e.AmountCentsSigned, rideID,
		e.OriginalFareCents, e.FeeCents, e.DriverTakeHomeCents, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	return nil
}

func (t *pgTx) WalletEntryForRide(ctx context.Context, rideID, entryType string) (*models.WalletEntry, error) {
	var e models.WalletEntry
	var meta []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, wallet_id, type, amount_cents_signed, COALESCE(ride_id, ''),
			original_fare_cents, fee_cents, driver_take_home_cents, meta, created_at
		 FROM wallet_entries WHERE ride_id = $1 AND type = $2
		 ORDER BY created_at LIMIT 1`, rideID, entryType).
		Scan(&e.ID, &e.WalletID, &e.Type, &e.AmountCentsSigned, &e.RideID,
			&e.OriginalFareCents, &e.FeeCents, &e.DriverTakeHomeCents, &meta, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet entry: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode entry meta: %w", err)
		}
	}
	return &e, nil
}

func scanSuspension(row *sql.Row) (*models.Suspension, error) {
	var s models.Suspension
	var userID, driverID sql.NullString
	err := row.Scan(&s.ID, &userID, &driverID, &s.Reason, &s.Until, &s.Active, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan suspension: %w", err)
	}
	s.UserID, s.DriverID = userID.String, driverID.String
	return &s, nil
}

func (t *pgTx) ActiveSuspensionForUser(ctx context.Context, userID string, now time.Time) (*models.Suspension, error) {
	return scanSuspension(t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, driver_id, reason, until_at, active, created_at FROM suspensions
		 WHERE user_id = $1 AND active AND (until_at IS NULL OR until_at >= $2)
		 ORDER BY created_at DESC LIMIT 1`, userID, now))
}

func (t *pgTx) ActiveSuspensionForDriver(ctx context.Context, driverID string, now time.Time) (*models.Suspension, error) {
	return scanSuspension(t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, driver_id, reason, until_at, active, created_at FROM suspensions
		 WHERE driver_id = $1 AND active AND (until_at IS NULL OR until_at >= $2)
		 ORDER BY created_at DESC LIMIT 1`, driverID, now))
}

func (t *pgTx) InsertSuspension(ctx context.Context, s *models.Suspension) error {
	var userID, driverID any
	if s.UserID != "" {
		userID = s.UserID
	}
	if s.DriverID != "" {
		driverID = s.DriverID
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO suspensions (id, user_id, driver_id, reason, until_at, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, userID, driverID, s.Reason, s.Until, s.Active, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert suspension: %w", err)
	}
	return nil
}

func (t *pgTx) InsertFraudEvent(ctx context.Context, e *models.FraudEvent) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode fraud data: %w", err)
	}
	var userID, driverID any
	if e.UserID != "" {
		userID = e.UserID
	}
	if e.DriverID != "" {
		driverID = e.DriverID
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO fraud_events (id, user_id, driver_id, type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, userID, driverID, e.Type, data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fraud event: %w", err)
	}
	return nil
}

const promoCols = `id, code, percent_off_bps, amount_off_cents, valid_from, valid_until,
	max_uses, per_user_max_uses, uses_count, min_fare_cents, active`

func scanPromo(row *sql.Row) (*models.PromoCode, error) {
	var p models.PromoCode
	err := row.Scan(&p.ID, &p.Code, &p.PercentOffBps, &p.AmountOffCents, &p.ValidFrom, &p.ValidUntil,
		&p.MaxUses, &p.PerUserMaxUses, &p.UsesCount, &p.MinFareCents, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return &p, nil
}

func (t *pgTx) GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	return scanPromo(t.tx.QueryRowContext(ctx, `SELECT `+promoCols+` FROM promo_codes WHERE code = $1`, code))
}

func (t *pgTx) GetPromoByCodeForUpdate(ctx context.Context, code string) (*models.PromoCode, error) {
	return scanPromo(t.tx.QueryRowContext(ctx, `SELECT `+promoCols+` FROM promo_codes WHERE code = $1 FOR UPDATE`, code))
}

func (t *pgTx) UpdatePromo(ctx context.Context, p *models.PromoCode) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE promo_codes SET uses_count = $2, active = $3 WHERE id = $1`,
		p.ID, p.UsesCount, p.Active)
	if err != nil {
		return fmt.Errorf("update promo: %w", err)
	}
	return nil
}

func (t *pgTx) CountPromoRedemptionsByUser(ctx context.Context, promoID, userID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promo_redemptions WHERE promo_code_id = $1 AND rider_user_id = $2`,
		promoID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count promo redemptions: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertPromoRedemption(ctx context.Context, r *models.PromoRedemption) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO promo_redemptions (id, promo_code_id, ride_id, rider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.PromoCodeID, r.RideID, r.RiderUserID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert promo redemption: %w", err)
	}
	return nil
}

const intentCols = `id, op, COALESCE(ride_id, ''), from_phone, to_phone, amount_cents,
	idempotency_key, attempts, status, last_error, next_attempt_at, created_at`

func (t *pgTx) InsertSettlementIntent(ctx context.Context, in *models.SettlementIntent) error {
	var rideID any
	if in.RideID != "" {
		rideID = in.RideID
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO settlement_intents (id, op, ride_id, from_phone, to_phone, amount_cents,
			idempotency_key, attempts, status, last_error, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		in.ID, in.Op, rideID, in.FromPhone, in.ToPhone, in.AmountCents,
		in.IdempotencyKey, in.Attempts, in.Status, in.LastError, in.NextAttemptAt, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert settlement intent: %w", err)
	}
	return nil
}

func (t *pgTx) DueSettlementIntents(ctx context.Context, now time.Time, limit int) ([]*models.SettlementIntent, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+intentCols+` FROM settlement_intents
		 WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at LIMIT $3 FOR UPDATE SKIP LOCKED`,
		models.IntentPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due settlement intents: %w", err)
	}
	defer rows.Close()

	var out []*models.SettlementIntent
	for rows.Next() {
		var in models.SettlementIntent
		if err := rows.Scan(&in.ID, &in.Op, &in.RideID, &in.FromPhone, &in.ToPhone, &in.AmountCents,
			&in.IdempotencyKey, &in.Attempts, &in.Status, &in.LastError, &in.NextAttemptAt, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement intent: %w", err)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateSettlementIntent(ctx context.Context, in *models.SettlementIntent) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE settlement_intents SET attempts = $2, status = $3, last_error = $4, next_attempt_at = $5
		 WHERE id = $1`,
		in.ID, in.Attempts, in.Status, in.LastError, in.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("update settlement intent: %w", err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

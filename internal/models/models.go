package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Ride statuses. Cancellation returns a ride to "requested" with the driver
// cleared; there is no separate terminal canceled status.
const (
	RideRequested = "requested"
	RideAssigned  = "assigned"
	RideAccepted  = "accepted"
	RideEnroute   = "enroute"
	RideCompleted = "completed"
)

const (
	DriverOffline   = "offline"
	DriverAvailable = "available"
	DriverBusy      = "busy"
)

// Pay modes. "self" prepays the fare into the escrow wallet, "cash" settles
// outside the platform, "card" holds a PaymentIntent until completion.
const (
	PaySelf = "self"
	PayCash = "cash"
	PayCard = "card"
)

// Wallet entry types.
const (
	EntryTopup    = "topup"
	EntryWithdraw = "withdraw"
	EntryFee      = "fee"
	EntryRefund   = "refund"
	EntryReward   = "reward"
)

type User struct {
	ID                 string    `json:"id"`
	Phone              string    `json:"phone"`
	Name               string    `json:"name,omitempty"`
	Role               string    `json:"role"` // rider|driver
	DeviceToken        string    `json:"device_token,omitempty"`
	RiderLoyaltyCount  int       `json:"rider_loyalty_count"`
	DriverLoyaltyCount int       `json:"driver_loyalty_count"`
	CreatedAt          time.Time `json:"created_at"`
}

type Driver struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"` // offline|available|busy
	RideClass    string    `json:"ride_class,omitempty"`
	VehicleMake  string    `json:"vehicle_make,omitempty"`
	VehiclePlate string    `json:"vehicle_plate,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Ride struct {
	ID          string  `json:"id"`
	RiderUserID string  `json:"rider_user_id"`
	DriverID    string  `json:"driver_id,omitempty"` // empty = unassigned
	Status      string  `json:"status"`
	Pickup      Coord   `json:"pickup"`
	Dropoff     Coord   `json:"dropoff"`
	Stops       []Coord `json:"stops,omitempty"`

	RideClass      string `json:"ride_class,omitempty"`
	PayMode        string `json:"pay_mode,omitempty"`
	PassengerName  string `json:"passenger_name,omitempty"`
	PassengerPhone string `json:"passenger_phone,omitempty"`

	QuotedFareCents int64   `json:"quoted_fare_cents"`
	FinalFareCents  *int64  `json:"final_fare_cents,omitempty"`
	DistanceKm      float64 `json:"distance_km"`

	EscrowAmountCents int64  `json:"escrow_amount_cents"`
	EscrowReleased    bool   `json:"escrow_released"`
	EscrowRef         string `json:"escrow_ref,omitempty"` // card hold reference

	ETAPickupPredictedMins *int `json:"eta_pickup_predicted_mins,omitempty"`

	RiderRewardApplied    bool `json:"rider_reward_applied"`
	DriverRewardFeeWaived bool `json:"driver_reward_fee_waived"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Terminal reports whether no further transitions are possible.
func (r *Ride) Terminal() bool { return r.Status == RideCompleted }

type Wallet struct {
	ID           string    `json:"id"`
	DriverID     string    `json:"driver_id"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

type WalletEntry struct {
	ID                  string         `json:"id"`
	WalletID            string         `json:"wallet_id"`
	Type                string         `json:"type"`
	AmountCentsSigned   int64          `json:"amount_cents_signed"`
	RideID              string         `json:"ride_id,omitempty"`
	OriginalFareCents   int64          `json:"original_fare_cents,omitempty"`
	FeeCents            int64          `json:"fee_cents,omitempty"`
	DriverTakeHomeCents int64          `json:"driver_take_home_cents,omitempty"`
	Meta                map[string]any `json:"meta,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

type Suspension struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	DriverID  string     `json:"driver_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Until     *time.Time `json:"until,omitempty"` // nil = indefinite
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// InForce reports whether the suspension blocks operations at the given time.
func (s *Suspension) InForce(now time.Time) bool {
	return s.Active && (s.Until == nil || !s.Until.Before(now))
}

type FraudEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	DriverID  string         `json:"driver_id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type PromoCode struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	PercentOffBps  int        `json:"percent_off_bps,omitempty"`
	AmountOffCents int64      `json:"amount_off_cents,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	MaxUses        int        `json:"max_uses,omitempty"` // 0 = unlimited
	PerUserMaxUses int        `json:"per_user_max_uses,omitempty"`
	UsesCount      int        `json:"uses_count"`
	MinFareCents   int64      `json:"min_fare_cents,omitempty"`
	Active         bool       `json:"active"`
}

type PromoRedemption struct {
	ID          string    `json:"id"`
	PromoCodeID string    `json:"promo_code_id"`
	RideID      string    `json:"ride_id"`
	RiderUserID string    `json:"rider_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Settlement intent statuses (outbox rows).
const (
	IntentPending = "pending"
	IntentDone    = "done"
	IntentFailed  = "failed"
)

// SettlementIntent is a durable record of a ledger transfer that must
// eventually happen. Intents are appended when a best-effort transfer fails
// and drained with retries keyed by the same idempotency key.
type SettlementIntent struct {
	ID             string    `json:"id"`
	Op             string    `json:"op"`
	RideID         string    `json:"ride_id,omitempty"`
	FromPhone      string    `json:"from_phone"`
	ToPhone        string    `json:"to_phone"`
	AmountCents    int64     `json:"amount_cents"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempts       int       `json:"attempts"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type Quote struct {
	FareCents       int64   `json:"quoted_fare_cents"`
	FinalQuoteCents int64   `json:"final_quote_cents"`
	DistanceKm      float64 `json:"distance_km"`
	ETAMinutes      int     `json:"eta_minutes"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	AppliedPromo    string  `json:"applied_promo_code,omitempty"`
	DiscountCents   int64   `json:"discount_cents,omitempty"`
	RoutePolyline   string  `json:"route_polyline,omitempty"`
	RideClass       string  `json:"ride_class,omitempty"`
}

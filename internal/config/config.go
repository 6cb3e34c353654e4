package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures all tunable parameters for the dispatch service.
// Values are loaded from environment variables with sane defaults so the
// binary can run locally without excessive setup; invalid values are
// collected and reported together.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaLocationTopic  string
	KafkaRideEventTopic string

	LogLevel string

	// Pricing.
	BaseFareCents             int64
	PerKmCents                int64
	AvgSpeedKmph              float64
	SurgeAvailableThreshold   int
	SurgeStepPerMissing       float64
	SurgeMaxMultiplier        float64
	TrafficBasePaceMinPerKm   float64
	TrafficSurchargePerMin    int64
	TrafficSurchargeMaxFactor float64
	RideClassMultipliers      map[string]float64
	RideClassMinFareCents     map[string]int64
	RideClassMinBalanceCents  map[string]int64

	// Matching & reassignment.
	AssignRadiusKm       float64
	ReassignRadiusFactor float64
	ReassignScanLimit    int
	ReassignRelaxWallet  bool
	AcceptTimeout        time.Duration
	StartTimeout         time.Duration
	ReapInterval         time.Duration

	// Platform fee and loyalty.
	PlatformFeeBps           int64
	LoyaltyRideInterval      int
	LoyaltyRiderFreeCapCents int64

	// Fraud guard.
	FraudRiderWindow          time.Duration
	FraudRiderMaxRequests     int
	FraudDriverLocMaxAge      time.Duration
	FraudMaxAcceptDistKm      float64
	FraudMaxStartDistKm       float64
	FraudMaxCompleteDistKm    float64
	FraudAutosuspendOnSpam    bool
	FraudAutosuspendDuration  time.Duration

	// Payments ledger.
	PaymentsBaseURL     string
	PaymentsSecret      string
	PaymentsTimeout     time.Duration
	EscrowWalletPhone   string
	PoolWalletPhone     string
	FeeWalletPhone      string
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	OutboxDrainInterval time.Duration
	OutboxMaxAttempts   int

	StripeAPIKey string
	FCMServerKey string

	// Routing provider.
	MapsBaseURL         string
	MapsAPIKey          string
	MapsUseTraffic      bool
	MapsIncludePolyline bool
	MapsTimeout         time.Duration
	MapsMaxRetries      int
	MapsBackoff         time.Duration
	MapsRouteCacheTTL   time.Duration

	AdminToken string
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":8081",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:         "drivers_geo",
		KafkaLocationTopic:  "driver-locations",
		KafkaRideEventTopic: "ride-events",

		LogLevel: "info",

		BaseFareCents:             4000,
		PerKmCents:                7500,
		AvgSpeedKmph:              30,
		SurgeAvailableThreshold:   3,
		SurgeStepPerMissing:       0.25,
		SurgeMaxMultiplier:        2.0,
		TrafficBasePaceMinPerKm:   2.0,
		TrafficSurchargePerMin:    1000,
		TrafficSurchargeMaxFactor: 3.0,
		RideClassMultipliers: map[string]float64{
			"standard": 1.0, "comfort": 1.1, "yellow": 1.0, "vip": 1.5, "van": 1.4, "electro": 0.95,
		},
		RideClassMinFareCents: map[string]int64{
			"vip": 2000, "van": 1500,
		},
		RideClassMinBalanceCents: map[string]int64{
			"vip": 5000, "van": 3000,
		},

		AssignRadiusKm:       5,
		ReassignRadiusFactor: 1.0,
		ReassignScanLimit:    200,
		AcceptTimeout:        120 * time.Second,
		StartTimeout:         300 * time.Second,
		ReapInterval:         60 * time.Second,

		PlatformFeeBps:           1000,
		LoyaltyRideInterval:      10,
		LoyaltyRiderFreeCapCents: 50000,

		FraudRiderWindow:         60 * time.Second,
		FraudRiderMaxRequests:    6,
		FraudDriverLocMaxAge:     300 * time.Second,
		FraudMaxAcceptDistKm:     3.0,
		FraudMaxStartDistKm:      0.3,
		FraudMaxCompleteDistKm:   0.5,
		FraudAutosuspendDuration: 10 * time.Minute,

		PaymentsTimeout:     5 * time.Second,
		BreakerThreshold:    3,
		BreakerCooldown:     60 * time.Second,
		OutboxDrainInterval: 30 * time.Second,
		OutboxMaxAttempts:   8,

		MapsBaseURL:         "https://maps.googleapis.com",
		MapsUseTraffic:      true,
		MapsIncludePolyline: false,
		MapsTimeout:         5 * time.Second,
		MapsMaxRetries:      2,
		MapsBackoff:         250 * time.Millisecond,
		MapsRouteCacheTTL:   60 * time.Second,
	}
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := defaults()
	var errs []error

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setString(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setString(&cfg.KafkaRideEventTopic, "KAFKA_RIDE_EVENT_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setInt64(&cfg.BaseFareCents, "BASE_FARE_CENTS", &errs)
	setInt64(&cfg.PerKmCents, "PER_KM_CENTS", &errs)
	setFloat(&cfg.AvgSpeedKmph, "AVG_SPEED_KMPH", &errs)
	setInt(&cfg.SurgeAvailableThreshold, "SURGE_AVAILABLE_THRESHOLD", &errs)
	setFloat(&cfg.SurgeStepPerMissing, "SURGE_STEP_PER_MISSING", &errs)
	setFloat(&cfg.SurgeMaxMultiplier, "SURGE_MAX_MULTIPLIER", &errs)
	setFloat(&cfg.TrafficBasePaceMinPerKm, "TRAFFIC_BASE_PACE_MIN_PER_KM", &errs)
	setInt64(&cfg.TrafficSurchargePerMin, "TRAFFIC_SURCHARGE_PER_MIN_CENTS", &errs)
	setFloat(&cfg.TrafficSurchargeMaxFactor, "TRAFFIC_SURCHARGE_MAX_MULTIPLIER", &errs)

	if v := os.Getenv("RIDE_CLASS_MULTIPLIERS"); v != "" {
		cfg.RideClassMultipliers = parseClassFloats(v)
	}
	if v := os.Getenv("RIDE_CLASS_MIN_FARE_CENTS"); v != "" {
		cfg.RideClassMinFareCents = parseClassInts(v)
	}
	if v := os.Getenv("RIDE_CLASS_MIN_DRIVER_BALANCE_CENTS"); v != "" {
		cfg.RideClassMinBalanceCents = parseClassInts(v)
	}

	setFloat(&cfg.AssignRadiusKm, "ASSIGN_RADIUS_KM", &errs)
	setFloat(&cfg.ReassignRadiusFactor, "REASSIGN_RADIUS_FACTOR", &errs)
	setInt(&cfg.ReassignScanLimit, "REASSIGN_SCAN_LIMIT", &errs)
	cfg.ReassignRelaxWallet = strings.EqualFold(os.Getenv("REASSIGN_RELAX_WALLET"), "true")
	setDuration(&cfg.AcceptTimeout, "ASSIGNMENT_ACCEPT_TIMEOUT", &errs)
	setDuration(&cfg.StartTimeout, "ACCEPTED_START_TIMEOUT", &errs)
	setDuration(&cfg.ReapInterval, "REAP_INTERVAL", &errs)

	setInt64(&cfg.PlatformFeeBps, "PLATFORM_FEE_BPS", &errs)
	setInt(&cfg.LoyaltyRideInterval, "LOYALTY_RIDE_INTERVAL", &errs)
	setInt64(&cfg.LoyaltyRiderFreeCapCents, "LOYALTY_RIDER_FREE_CAP_CENTS", &errs)

	setDuration(&cfg.FraudRiderWindow, "FRAUD_RIDER_WINDOW", &errs)
	setInt(&cfg.FraudRiderMaxRequests, "FRAUD_RIDER_MAX_REQUESTS", &errs)
	setDuration(&cfg.FraudDriverLocMaxAge, "FRAUD_DRIVER_LOC_MAX_AGE", &errs)
	setFloat(&cfg.FraudMaxAcceptDistKm, "FRAUD_MAX_ACCEPT_DIST_KM", &errs)
	setFloat(&cfg.FraudMaxStartDistKm, "FRAUD_MAX_START_DIST_KM", &errs)
	setFloat(&cfg.FraudMaxCompleteDistKm, "FRAUD_MAX_COMPLETE_DIST_KM", &errs)
	cfg.FraudAutosuspendOnSpam = strings.EqualFold(os.Getenv("FRAUD_AUTOSUSPEND_ON_VELOCITY"), "true")
	setDuration(&cfg.FraudAutosuspendDuration, "FRAUD_AUTOSUSPEND_DURATION", &errs)

	setString(&cfg.PaymentsBaseURL, "PAYMENTS_BASE_URL")
	cfg.PaymentsSecret = os.Getenv("PAYMENTS_INTERNAL_SECRET")
	setDuration(&cfg.PaymentsTimeout, "PAYMENTS_TIMEOUT", &errs)
	setString(&cfg.EscrowWalletPhone, "TAXI_ESCROW_WALLET_PHONE")
	setString(&cfg.PoolWalletPhone, "TAXI_POOL_WALLET_PHONE")
	setString(&cfg.FeeWalletPhone, "FEE_WALLET_PHONE")
	setInt(&cfg.BreakerThreshold, "PAYMENTS_CB_THRESHOLD", &errs)
	setDuration(&cfg.BreakerCooldown, "PAYMENTS_CB_COOLDOWN", &errs)
	setDuration(&cfg.OutboxDrainInterval, "OUTBOX_DRAIN_INTERVAL", &errs)
	setInt(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.FCMServerKey = os.Getenv("FCM_SERVER_KEY")

	setString(&cfg.MapsBaseURL, "MAPS_BASE_URL")
	cfg.MapsAPIKey = strings.TrimSpace(os.Getenv("MAPS_API_KEY"))
	if v := os.Getenv("MAPS_USE_TRAFFIC"); v != "" {
		cfg.MapsUseTraffic = strings.EqualFold(v, "true")
	}
	cfg.MapsIncludePolyline = strings.EqualFold(os.Getenv("MAPS_INCLUDE_POLYLINE"), "true")
	setDuration(&cfg.MapsTimeout, "MAPS_TIMEOUT", &errs)
	setInt(&cfg.MapsMaxRetries, "MAPS_MAX_RETRIES", &errs)
	setDuration(&cfg.MapsBackoff, "MAPS_BACKOFF", &errs)
	setDuration(&cfg.MapsRouteCacheTTL, "MAPS_ROUTE_CACHE_TTL", &errs)

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	if cfg.AssignRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_RADIUS_KM must be > 0"))
	}
	if cfg.SurgeMaxMultiplier < 1.0 {
		errs = append(errs, fmt.Errorf("SURGE_MAX_MULTIPLIER must be >= 1.0"))
	}
	if cfg.LoyaltyRideInterval < 1 {
		errs = append(errs, fmt.Errorf("LOYALTY_RIDE_INTERVAL must be >= 1"))
	}
	if cfg.ReassignRadiusFactor <= 0 {
		errs = append(errs, fmt.Errorf("REASSIGN_RADIUS_FACTOR must be > 0"))
	}
	if cfg.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("REAP_INTERVAL must be > 0"))
	}
	if cfg.OutboxDrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_DRAIN_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// PlatformFee computes the platform share of a fare with half-up rounding.
func (c Config) PlatformFee(fareCents int64) int64 {
	if c.PlatformFeeBps <= 0 || fareCents <= 0 {
		return 0
	}
	return (fareCents*c.PlatformFeeBps + 5000) / 10000
}

// ClassMultiplier returns the pricing multiplier for a ride class, 1.0 when
// the class is unknown or empty.
func (c Config) ClassMultiplier(class string) float64 {
	if m, ok := c.RideClassMultipliers[normalizeClass(class)]; ok && m > 0 {
		return m
	}
	return 1.0
}

// ClassMinFare returns the per-class minimum fare floor.
func (c Config) ClassMinFare(class string) int64 {
	return c.RideClassMinFareCents[normalizeClass(class)]
}

// ClassMinBalance returns the per-class minimum driver balance required to
// take rides of that class.
func (c Config) ClassMinBalance(class string) int64 {
	return c.RideClassMinBalanceCents[normalizeClass(class)]
}

func normalizeClass(class string) string {
	return strings.ToLower(strings.TrimSpace(class))
}

// parseClassFloats parses "standard=1.0,vip=1.5" style maps.
func parseClassFloats(raw string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		out[normalizeClass(k)] = f
	}
	return out
}

func parseClassInts(raw string) map[string]int64 {
	out := make(map[string]int64)
	for k, v := range parseClassFloats(raw) {
		out[k] = int64(v)
	}
	return out
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

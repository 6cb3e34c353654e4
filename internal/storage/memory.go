package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
)

// MemoryStore is an in-memory Store with row-level locking that mirrors the
// Postgres semantics closely enough for service tests: ForUpdate blocks until
// the row lock frees, ClaimDriver try-locks, and a failed transaction rolls
// its writes back.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	drivers     map[string]*models.Driver
	locations   map[string]*models.DriverLocation
	rides       map[string]*models.Ride
	wallets     map[string]*models.Wallet // keyed by driver id
	entries     []*models.WalletEntry
	suspensions []*models.Suspension
	fraudEvents []*models.FraudEvent
	promos      map[string]*models.PromoCode // keyed by code
	redemptions []*models.PromoRedemption
	intents     map[string]*models.SettlementIntent

	rowLocks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*models.User),
		drivers:   make(map[string]*models.Driver),
		locations: make(map[string]*models.DriverLocation),
		rides:     make(map[string]*models.Ride),
		wallets:   make(map[string]*models.Wallet),
		promos:    make(map[string]*models.PromoCode),
		intents:   make(map[string]*models.SettlementIntent),
		rowLocks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	t := &memTx{store: s, held: make(map[string]*sync.Mutex)}
	err := fn(t)
	if err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
	}
	for _, m := range t.held {
		m.Unlock()
	}
	return err
}

// Seed helpers used by tests.

func (s *MemoryStore) SeedUser(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *u
	s.users[u.ID] = &c
}

func (s *MemoryStore) SeedDriver(d *models.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.drivers[d.ID] = &c
}

func (s *MemoryStore) SeedLocation(l *models.DriverLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *l
	s.locations[l.DriverID] = &c
}

func (s *MemoryStore) SeedRide(r *models.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.rides[r.ID] = &c
}

func (s *MemoryStore) SeedWallet(w *models.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	s.wallets[w.DriverID] = &c
}

func (s *MemoryStore) SeedPromo(p *models.PromoCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.promos[strings.ToUpper(p.Code)] = &c
}

// WalletEntries returns a snapshot of entries for a wallet.
func (s *MemoryStore) WalletEntries(walletID string) []*models.WalletEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WalletEntry
	for _, e := range s.entries {
		if e.WalletID == walletID {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// FraudEvents returns a snapshot of recorded fraud events.
func (s *MemoryStore) FraudEvents() []*models.FraudEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.FraudEvent, len(s.fraudEvents))
	for i, e := range s.fraudEvents {
		c := *e
		out[i] = &c
	}
	return out
}

// Intents returns a snapshot of settlement intents.
func (s *MemoryStore) Intents() []*models.SettlementIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SettlementIntent
	for _, in := range s.intents {
		c := *in
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type memTx struct {
	store *MemoryStore
	held  map[string]*sync.Mutex
	undo  []func()
}

func (t *memTx) rowLock(key string) *sync.Mutex {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	m, ok := t.store.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		t.store.rowLocks[key] = m
	}
	return m
}

// lock blocks until the row lock is held, like FOR UPDATE.
func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.rowLock(key)
	m.Lock()
	t.held[key] = m
}

// tryLock mirrors FOR UPDATE SKIP LOCKED.
func (t *memTx) tryLock(key string) bool {
	if _, ok := t.held[key]; ok {
		return true
	}
	m := t.rowLock(key)
	if !m.TryLock() {
		return false
	}
	t.held[key] = m
	return true
}

func (t *memTx) GetUser(_ context.Context, id string) (*models.User, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	u, ok := t.store.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (t *memTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	t.lock("user:" + id)
	return t.GetUser(ctx, id)
}

func (t *memTx) CreateUser(_ context.Context, u *models.User) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *u
	t.store.users[u.ID] = &c
	id := u.ID
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		delete(t.store.users, id)
	})
	return nil
}

func (t *memTx) UpdateUser(_ context.Context, u *models.User) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.users[u.ID]
	c := *u
	t.store.users[u.ID] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.users[u.ID] = prev
	})
	return nil
}

func (t *memTx) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.store.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (t *memTx) GetDriverForUpdate(ctx context.Context, id string) (*models.Driver, error) {
	t.lock("driver:" + id)
	return t.GetDriver(ctx, id)
}

func (t *memTx) ClaimDriver(ctx context.Context, id string) (*models.Driver, bool, error) {
	t.store.mu.Lock()
	_, exists := t.store.drivers[id]
	t.store.mu.Unlock()
	if !exists {
		return nil, false, ErrNotFound
	}
	if !t.tryLock("driver:" + id) {
		return nil, false, nil
	}
	d, err := t.GetDriver(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (t *memTx) CreateDriver(_ context.Context, d *models.Driver) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *d
	t.store.drivers[d.ID] = &c
	id := d.ID
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		delete(t.store.drivers, id)
	})
	return nil
}

func (t *memTx) UpdateDriver(_ context.Context, d *models.Driver) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.drivers[d.ID]
	c := *d
	t.store.drivers[d.ID] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.drivers[d.ID] = prev
	})
	return nil
}

func (t *memTx) AvailableDriverIDs(_ context.Context, limit int) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []string
	for id, d := range t.store.drivers {
		if d.Status == models.DriverAvailable {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CountAvailableDriversNear(_ context.Context, center models.Coord, radiusKm float64) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	for id, d := range t.store.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		loc, ok := t.store.locations[id]
		if !ok {
			continue
		}
		if geo.HaversineKm(center, loc.Loc) <= radiusKm {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetDriverLocation(_ context.Context, driverID string) (*models.DriverLocation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	l, ok := t.store.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

func (t *memTx) UpsertDriverLocation(_ context.Context, loc *models.DriverLocation) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.locations[loc.DriverID]
	c := *loc
	t.store.locations[loc.DriverID] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		if prev == nil {
			delete(t.store.locations, loc.DriverID)
		} else {
			t.store.locations[loc.DriverID] = prev
		}
	})
	return nil
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	if r.Stops != nil {
		c.Stops = append([]models.Coord(nil), r.Stops...)
	}
	if r.FinalFareCents != nil {
		v := *r.FinalFareCents
		c.FinalFareCents = &v
	}
	if r.ETAPickupPredictedMins != nil {
		v := *r.ETAPickupPredictedMins
		c.ETAPickupPredictedMins = &v
	}
	return &c
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (t *memTx) GetRideForUpdate(ctx context.Context, id string) (*models.Ride, error) {
	t.lock("ride:" + id)
	return t.GetRide(ctx, id)
}

func (t *memTx) CreateRide(_ context.Context, r *models.Ride) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rides[r.ID] = cloneRide(r)
	id := r.ID
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		delete(t.store.rides, id)
	})
	return nil
}

func (t *memTx) UpdateRide(_ context.Context, r *models.Ride) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.rides[r.ID]
	t.store.rides[r.ID] = cloneRide(r)
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.rides[r.ID] = prev
	})
	return nil
}

func (t *memTx) ActiveRideIDForDriver(_ context.Context, driverID string) (string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, r := range t.store.rides {
		if r.DriverID != driverID {
			continue
		}
		switch r.Status {
		case models.RideAssigned, models.RideAccepted, models.RideEnroute:
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (t *memTx) CountRiderRequestsSince(_ context.Context, riderUserID string, since time.Time) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	for _, r := range t.store.rides {
		if r.RiderUserID == riderUserID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) StaleAssignedRideIDs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	return t.staleRides(models.RideAssigned, cutoff, limit, func(r *models.Ride) time.Time { return r.CreatedAt })
}

func (t *memTx) StaleAcceptedRideIDs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	return t.staleRides(models.RideAccepted, cutoff, limit, func(r *models.Ride) time.Time {
		if r.AcceptedAt == nil {
			return time.Time{}
		}
		return *r.AcceptedAt
	})
}

func (t *memTx) staleRides(status string, cutoff time.Time, limit int, stamp func(*models.Ride) time.Time) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	type hit struct {
		id string
		at time.Time
	}
	var hits []hit
	for id, r := range t.store.rides {
		ts := stamp(r)
		if r.Status == status && !ts.IsZero() && ts.Before(cutoff) {
			hits = append(hits, hit{id: id, at: ts})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out, nil
}

func (t *memTx) GetWalletForUpdate(_ context.Context, driverID string) (*models.Wallet, error) {
	t.lock("wallet:" + driverID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	w, ok := t.store.wallets[driverID]
	if !ok {
		w = &models.Wallet{ID: newID(), DriverID: driverID, CreatedAt: time.Now().UTC()}
		t.store.wallets[driverID] = w
		t.undo = append(t.undo, func() {
			t.store.mu.Lock()
			defer t.store.mu.Unlock()
			delete(t.store.wallets, driverID)
		})
	}
	c := *w
	return &c, nil
}

func (t *memTx) GetWalletByDriver(_ context.Context, driverID string) (*models.Wallet, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	w, ok := t.store.wallets[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *models.Wallet) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.wallets[w.DriverID]
	c := *w
	t.store.wallets[w.DriverID] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.wallets[w.DriverID] = prev
	})
	return nil
}

func (t *memTx) InsertWalletEntry(_ context.Context, e *models.WalletEntry) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *e
	t.store.entries = append(t.store.entries, &c)
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.entries = t.store.entries[:len(t.store.entries)-1]
	})
	return nil
}

func (t *memTx) WalletEntryForRide(_ context.Context, rideID, entryType string) (*models.WalletEntry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, e := range t.store.entries {
		if e.RideID == rideID && e.Type == entryType {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ActiveSuspensionForUser(_ context.Context, userID string, now time.Time) (*models.Suspension, error) {
	return t.activeSuspension(func(s *models.Suspension) bool { return s.UserID == userID }, now)
}

func (t *memTx) ActiveSuspensionForDriver(_ context.Context, driverID string, now time.Time) (*models.Suspension, error) {
	return t.activeSuspension(func(s *models.Suspension) bool { return s.DriverID == driverID }, now)
}

func (t *memTx) activeSuspension(match func(*models.Suspension) bool, now time.Time) (*models.Suspension, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.store.suspensions) - 1; i >= 0; i-- {
		s := t.store.suspensions[i]
		if match(s) && s.InForce(now) {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertSuspension(_ context.Context, s *models.Suspension) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *s
	t.store.suspensions = append(t.store.suspensions, &c)
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.suspensions = t.store.suspensions[:len(t.store.suspensions)-1]
	})
	return nil
}

func (t *memTx) InsertFraudEvent(_ context.Context, e *models.FraudEvent) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *e
	t.store.fraudEvents = append(t.store.fraudEvents, &c)
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.fraudEvents = t.store.fraudEvents[:len(t.store.fraudEvents)-1]
	})
	return nil
}

func (t *memTx) GetPromoByCode(_ context.Context, code string) (*models.PromoCode, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.promos[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) GetPromoByCodeForUpdate(ctx context.Context, code string) (*models.PromoCode, error) {
	t.lock("promo:" + strings.ToUpper(code))
	return t.GetPromoByCode(ctx, code)
}

func (t *memTx) UpdatePromo(_ context.Context, p *models.PromoCode) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := strings.ToUpper(p.Code)
	prev := t.store.promos[key]
	c := *p
	t.store.promos[key] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.promos[key] = prev
	})
	return nil
}

func (t *memTx) CountPromoRedemptionsByUser(_ context.Context, promoID, userID string) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	for _, r := range t.store.redemptions {
		if r.PromoCodeID == promoID && r.RiderUserID == userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertPromoRedemption(_ context.Context, r *models.PromoRedemption) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c := *r
	t.store.redemptions = append(t.store.redemptions, &c)
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.redemptions = t.store.redemptions[:len(t.store.redemptions)-1]
	})
	return nil
}

func (t *memTx) InsertSettlementIntent(_ context.Context, in *models.SettlementIntent) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, existing := range t.store.intents {
		if existing.IdempotencyKey == in.IdempotencyKey {
			return nil
		}
	}
	c := *in
	t.store.intents[in.ID] = &c
	id := in.ID
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		delete(t.store.intents, id)
	})
	return nil
}

func (t *memTx) DueSettlementIntents(_ context.Context, now time.Time, limit int) ([]*models.SettlementIntent, error) {
	t.store.mu.Lock()
	var due []*models.SettlementIntent
	for _, in := range t.store.intents {
		if in.Status == models.IntentPending && !in.NextAttemptAt.After(now) {
			due = append(due, in)
		}
	}
	t.store.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	var out []*models.SettlementIntent
	for _, in := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !t.tryLock("intent:" + in.ID) {
			continue
		}
		c := *in
		out = append(out, &c)
	}
	return out, nil
}

func (t *memTx) UpdateSettlementIntent(_ context.Context, in *models.SettlementIntent) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev := t.store.intents[in.ID]
	c := *in
	t.store.intents[in.ID] = &c
	t.undo = append(t.undo, func() {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		t.store.intents[in.ID] = prev
	})
	return nil
}

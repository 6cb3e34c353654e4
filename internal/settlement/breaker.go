package settlement

import (
	"sync"
	"time"
)

// Breaker gates outbound ledger calls per operation. Implementations must be
// safe for concurrent use.
type Breaker interface {
	Allowed(op string) bool
	Record(op string, ok bool)
	Snapshot() map[string]OpState
	Reset()
}

// OpState is the exported view of one operation's breaker state.
type OpState struct {
	Failures int       `json:"failures"`
	Open     bool      `json:"open"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker opens an operation after threshold consecutive failures and
// lets calls through again once the cooldown has elapsed. A success closes
// the operation fully.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	states    map[string]*opState
}

type opState struct {
	failures int
	openedAt time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		states:    make(map[string]*opState),
	}
}

func (b *CircuitBreaker) Allowed(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[op]
	if !ok || st.failures < b.threshold {
		return true
	}
	return b.now().Sub(st.openedAt) >= b.cooldown
}

func (b *CircuitBreaker) Record(op string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		delete(b.states, op)
		return
	}
	st, present := b.states[op]
	if !present {
		st = &opState{}
		b.states[op] = st
	}
	st.failures++
	if st.failures >= b.threshold {
		st.openedAt = b.now()
	}
}

func (b *CircuitBreaker) Snapshot() map[string]OpState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]OpState, len(b.states))
	for op, st := range b.states {
		out[op] = OpState{
			Failures: st.failures,
			Open:     st.failures >= b.threshold && b.now().Sub(st.openedAt) < b.cooldown,
			OpenedAt: st.openedAt,
		}
	}
	return out
}

func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]*opState)
}

// NopBreaker never blocks; used when the breaker is disabled in config.
type NopBreaker struct{}

func (NopBreaker) Allowed(string) bool          { return true }
func (NopBreaker) Record(string, bool)          {}
func (NopBreaker) Snapshot() map[string]OpState { return map[string]OpState{} }
func (NopBreaker) Reset()                       {}

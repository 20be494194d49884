package router

import (
	"maps"
	"sync"
	"time"
)

// HealthTracker manages circuit breakers for all providers.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
	onChange              func(provider string, from, to CircuitState)
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// SetClock replaces the time source of breakers created afterwards.
func (ht *HealthTracker) SetClock(now func() time.Time) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.now = now
}

// OnStateChange registers a callback for circuit transitions. It must be set
// before the tracker is shared.
func (ht *HealthTracker) OnStateChange(fn func(provider string, from, to CircuitState)) {
	ht.onChange = fn
}

// GetBreaker returns (or lazily creates) the circuit breaker for a provider.
func (ht *HealthTracker) GetBreaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	// Double-check after acquiring write lock
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	cb.now = ht.now
	if ht.onChange != nil {
		fn := ht.onChange
		cb.onChange = func(from, to CircuitState) { fn(provider, from, to) }
	}
	ht.breakers[provider] = cb
	return cb
}

// IsAvailable returns true if the provider's circuit breaker allows requests.
func (ht *HealthTracker) IsAvailable(provider string) bool {
	if ht == nil {
		return true
	}
	return ht.GetBreaker(provider).Allow()
}

// RecordSuccess records a successful request for the provider.
func (ht *HealthTracker) RecordSuccess(provider string) {
	if ht == nil {
		return
	}
	ht.GetBreaker(provider).RecordSuccess()
}

// RecordFailure records a failed request for the provider.
func (ht *HealthTracker) RecordFailure(provider string) {
	if ht == nil {
		return
	}
	ht.GetBreaker(provider).RecordFailure()
}

// States reports the circuit state of every provider seen so far.
func (ht *HealthTracker) States() map[string]CircuitState {
	ht.mu.RLock()
	breakers := maps.Clone(ht.breakers)
	ht.mu.RUnlock()

	out := make(map[string]CircuitState, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.State()
	}
	return out
}

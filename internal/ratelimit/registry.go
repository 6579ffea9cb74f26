package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// WaitObserver receives one observation per successful acquire.
type WaitObserver interface {
	ObserveLimiterWait(credential string, seconds float64, throttled bool)
}

// Registry owns one Limiter per credential. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	limiters  map[string]*Limiter
	window    time.Duration
	clock     Clock
	observer  WaitObserver
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithWindow changes the length of the per-minute window. Only tests should
// need this.
func WithWindow(d time.Duration) Option {
	return func(r *Registry) { r.window = d }
}

// WithObserver reports acquire waits, e.g. to Prometheus.
func WithObserver(o WaitObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates a registry applying defaults to every credential
// without an explicit override.
func NewRegistry(defaults Limits, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]Limits),
		limiters:  make(map[string]*Limiter),
		window:    DefaultWindow,
		clock:     SystemClock,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetLimits overrides the budget for a credential. It only affects limiters
// created afterwards.
func (r *Registry) SetLimits(credential string, l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[Fingerprint(credential)] = l
}

// Limiter returns the shared limiter for credential, creating it on first use.
func (r *Registry) Limiter(credential string) *Limiter {
	key := Fingerprint(credential)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	limits, ok := r.overrides[key]
	if !ok {
		limits = r.defaults
	}
	l := newLimiter(limits, r.window, r.clock)
	r.limiters[key] = l
	return l
}

// Acquire waits for a permit on credential's limiter and returns the wait.
func (r *Registry) Acquire(ctx context.Context, credential string) (time.Duration, error) {
	wait, throttled, err := r.Limiter(credential).acquire(ctx)
	if err != nil {
		return wait, err
	}
	if r.observer != nil {
		r.observer.ObserveLimiterWait(Fingerprint(credential), wait.Seconds(), throttled)
	}
	return wait, nil
}

// Stats returns the counters for credential's limiter.
func (r *Registry) Stats(credential string) Stats {
	return r.Limiter(credential).Stats()
}

// Fingerprint returns a short stable identifier for an API key so raw keys
// never appear in maps, logs or metric labels.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:6])
}

// Package ratelimit enforces per-credential request budgets shared by every
// in-process caller of that credential.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultWindow is the sliding window over which RequestsPerMinute applies.
const DefaultWindow = time.Minute

// Limits is the request budget of one credential. Zero disables a dimension.
type Limits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	TotalRequests  int64
	ThrottledCount int64
	AvgWait        time.Duration
	QueueSize      int64
}

// Clock abstracts time so limiter behaviour can be tested without waiting.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Limiter is a sliding-window limiter for a single credential.
//
// The lock is held across the wait so later arrivals queue behind the
// sleeper. Goroutines blocked sending on a channel are served in arrival
// order, which makes the queue FIFO.
type Limiter struct {
	lock   chan struct{}
	limits Limits
	window time.Duration
	clock  Clock

	minute []time.Time // acquire times inside the window, oldest first
	second []time.Time // acquire times inside the last second

	total     atomic.Int64
	throttled atomic.Int64
	waitNanos atomic.Int64
	queued    atomic.Int64
}

func newLimiter(limits Limits, window time.Duration, clock Clock) *Limiter {
	return &Limiter{
		lock:   make(chan struct{}, 1),
		limits: limits,
		window: window,
		clock:  clock,
	}
}

// Acquire blocks until a request may be issued and records it. It returns
// how long the caller waited. The only error is ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	wait, _, err := l.acquire(ctx)
	return wait, err
}

func (l *Limiter) acquire(ctx context.Context) (time.Duration, bool, error) {
	start := l.clock.Now()

	l.queued.Add(1)
	select {
	case l.lock <- struct{}{}:
	case <-ctx.Done():
		l.queued.Add(-1)
		return l.clock.Now().Sub(start), false, ctx.Err()
	}
	defer func() { <-l.lock }()

	throttled := false
	for {
		now := l.clock.Now()
		wait := l.waitFor(now)
		if wait <= 0 {
			break
		}
		throttled = true
		if err := l.clock.Sleep(ctx, wait); err != nil {
			l.queued.Add(-1)
			return l.clock.Now().Sub(start), throttled, err
		}
	}

	now := l.clock.Now()
	if l.limits.RequestsPerMinute > 0 {
		l.minute = append(l.minute, now)
	}
	if l.limits.RequestsPerSecond > 0 {
		l.second = append(l.second, now)
	}
	l.queued.Add(-1)

	waited := now.Sub(start)
	l.total.Add(1)
	l.waitNanos.Add(int64(waited))
	if throttled {
		l.throttled.Add(1)
	}
	return waited, throttled, nil
}

// waitFor prunes expired entries and returns how long until a slot frees.
// Must be called with the lock held.
func (l *Limiter) waitFor(now time.Time) time.Duration {
	var wait time.Duration

	if rpm := l.limits.RequestsPerMinute; rpm > 0 {
		l.minute = prune(l.minute, now, l.window)
		if len(l.minute) >= rpm {
			wait = l.minute[len(l.minute)-rpm].Add(l.window).Sub(now)
		}
	}
	if rps := l.limits.RequestsPerSecond; rps > 0 {
		l.second = prune(l.second, now, time.Second)
		if len(l.second) >= rps {
			if w := l.second[len(l.second)-rps].Add(time.Second).Sub(now); w > wait {
				wait = w
			}
		}
	}
	return wait
}

// prune drops entries at least window old.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= window {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

// Stats returns the limiter's counters.
func (l *Limiter) Stats() Stats {
	s := Stats{
		TotalRequests:  l.total.Load(),
		ThrottledCount: l.throttled.Load(),
		QueueSize:      l.queued.Load(),
	}
	if s.TotalRequests > 0 {
		s.AvgWait = time.Duration(l.waitNanos.Load() / s.TotalRequests)
	}
	return s
}

// Limits returns the configured budget.
func (l *Limiter) Limits() Limits { return l.limits }

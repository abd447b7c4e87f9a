// Package ratelimit implements a sliding-window limiter for outbound calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxCalls = 15
	DefaultWindow   = 60 * time.Second
)

// Limiter admits at most maxCalls acquisitions in any window-long interval.
// Acquire blocks only its caller, it never rejects.
type Limiter struct {
	mu     sync.Mutex
	calls  []time.Time // guarded by mu, oldest first
	max    int
	window time.Duration

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(d time.Duration)
}

type Option func(*Limiter)

// WithClock replaces the wall clock and the sleep used while waiting for a slot.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithWaitObserver registers a callback invoked every time a caller has to wait.
func WithWaitObserver(fn func(d time.Duration)) Option {
	return func(l *Limiter) { l.onWait = fn }
}

// New returns a limiter; non-positive arguments fall back to the defaults.
func New(maxCalls int, window time.Duration, opts ...Option) *Limiter {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		max:    maxCalls,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until a slot is free and records the call. It only fails
// when ctx is done while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		if l.onWait != nil {
			l.onWait(wait)
		}
		// the lock is not held while sleeping
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire evicts expired entries and either records a call or reports
// the exact wait until the oldest entry leaves the window.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)
	if len(l.calls) < l.max {
		l.calls = append(l.calls, now)
		return 0, true
	}
	return l.calls[0].Add(l.window).Sub(now), false
}

func (l *Limiter) evictLocked(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// Len returns the number of calls currently inside the window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.calls)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

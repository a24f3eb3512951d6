package internal

import (
	"sync"
	"time"
)

// CircuitBreaker opens after threshold failures inside window and stays
// open for openDuration.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     []time.Time
	threshold    int
	window       time.Duration
	openUntil    time.Time
	openDuration time.Duration
	nowFunc      func() time.Time
}

// NewCircuitBreaker creates a configured circuit breaker. A threshold
// below one disables it.
func NewCircuitBreaker(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	if threshold < 1 {
		return nil
	}
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		failures:     make([]time.Time, 0, threshold),
		nowFunc:      time.Now,
	}
}

// RecordFailure records a failure and opens the breaker once the
// threshold is reached inside the window.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cutoff := now.Add(-cb.window)
	recent := cb.failures[:0]
	for _, at := range cb.failures {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	cb.failures = append(recent, now)
	if len(cb.failures) < cb.threshold {
		return
	}
	cb.openUntil = now.Add(cb.openDuration)
}

// RecordSuccess clears the failure history and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.openUntil = time.Time{}
}

// IsOpen returns true if the breaker is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nowFunc().Before(cb.openUntil)
}

// breakerSet keeps one breaker per upstream host so a failing provider
// does not block the others.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	build    func() *CircuitBreaker
}

func newBreakerSet(threshold int, window, openDuration time.Duration) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*CircuitBreaker),
		build:    func() *CircuitBreaker { return NewCircuitBreaker(threshold, window, openDuration) },
	}
}

func (s *breakerSet) get(host string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[host]
	if !ok {
		cb = s.build()
		s.breakers[host] = cb
	}
	return cb
}

package catalog

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/intake/internal/config"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("catalog: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
	// BreakerOpen rejects calls until the open timeout elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// minRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minRateSamples = 10

// Breaker guards the equipment backend. It trips on consecutive failures or
// on the error rate of a tumbling window and is safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	now func() time.Time

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	rateThreshold  float64
	rateWindow     time.Duration
	windowStart    time.Time
	windowCalls    int
	windowFailures int
}

// NewBreaker creates a breaker from cfg, filling zero thresholds with
// defaults.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		now:              time.Now,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.openTimeout <= 0 {
		b.openTimeout = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// Allow returns nil when a call may proceed and ErrBreakerOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves an expired open breaker to half-open. Must be called
// with mu held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
}

func (b *Breaker) countCall(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.rateThreshold
}

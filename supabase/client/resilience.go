package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Backoff
// =============================================================================

// BackoffConfig spaces out realtime reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds randomness to each delay (0.0 to 1.0)
	Jitter float64
}

// DefaultReconnectBackoff returns the realtime reconnect schedule.
func DefaultReconnectBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Delay returns the wait before the given attempt, counted from 1.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))

	if b.Max > 0 && backoff > float64(b.Max) {
		backoff = float64(b.Max)
	}

	if b.Jitter > 0 {
		backoff += backoff * b.Jitter * (rand.Float64()*2 - 1)
	}

	return time.Duration(backoff)
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int
	// Timeout is how long the circuit stays open before letting a trial request through
	Timeout time.Duration
	// OnStateChange is called (in its own goroutine) on every transition
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker short-circuits requests to a backend that keeps failing.
type CircuitBreaker struct {
	mu sync.Mutex

	config CircuitBreakerConfig
	state  CircuitState

	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Allow reports whether a request may be sent. The refusal names the failure
// that opened the circuit.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) <= cb.config.Timeout {
			if cb.lastError != nil {
				return fmt.Errorf("%w: last error: %v", ErrCircuitOpen, cb.lastError)
			}
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = err

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// =============================================================================
// Guarded HTTP Client
// =============================================================================

// ResilientClient sends every request once through a circuit breaker. Failed
// requests are not repeated.
type ResilientClient struct {
	client  *http.Client
	breaker *CircuitBreaker
}

// NewResilientClient wraps base, or a pooled default client when base is nil.
func NewResilientClient(base *http.Client, breaker CircuitBreakerConfig) *ResilientClient {
	if base == nil {
		base = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}

	return &ResilientClient{
		client:  base,
		breaker: NewCircuitBreaker(breaker),
	}
}

// Do sends req unless the circuit is open. Transport errors and server-side
// statuses count as failures; the response is returned unread either way.
func (rc *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	if err := rc.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			rc.breaker.RecordFailure(err)
		}
		return nil, err
	}

	if isFailureStatus(resp.StatusCode) {
		rc.breaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
	} else {
		rc.breaker.RecordSuccess()
	}
	return resp, nil
}

func isFailureStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HTTPError represents an HTTP error.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

// NewWithCircuitBreaker creates a Supabase client whose REST transport goes
// through a ResilientClient.
func NewWithCircuitBreaker(cfg Config, breaker CircuitBreakerConfig) (*Client, error) {
	resilient := NewResilientClient(cfg.HTTPClient, breaker)

	cfg.HTTPClient = &http.Client{
		Transport: &resilientTransport{client: resilient},
		Timeout:   30 * time.Second,
	}
	return New(cfg)
}

// resilientTransport wraps ResilientClient as http.RoundTripper.
type resilientTransport struct {
	client *ResilientClient
}

func (rt *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}

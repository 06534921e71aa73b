package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aesyros/align/internal/logging"
)

func TestDefaultReconnectBackoff(t *testing.T) {
	cfg := DefaultReconnectBackoff()

	if cfg.Initial != time.Second {
		t.Errorf("Initial = %v, want 1s", cfg.Initial)
	}
	if cfg.Max != 30*time.Second {
		t.Errorf("Max = %v, want 30s", cfg.Max)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", cfg.Multiplier)
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{30, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffConfig_DelayJitterBounds(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		got := cfg.Delay(2)
		if got < 1800*time.Millisecond || got > 2200*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within 10%% of 2s", got)
		}
	}
}

func TestCircuitBreaker_OpenOnFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.New("test error"))
	}

	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitOpen)
	}
	err := cb.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
	if err == nil || !strings.Contains(err.Error(), "test error") {
		t.Errorf("Allow() error = %v, want it to name the last failure", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})

	cb.RecordFailure(errors.New("a"))
	cb.RecordFailure(errors.New("b"))
	cb.RecordSuccess()
	cb.RecordFailure(errors.New("c"))

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitClosed)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})

	cb.RecordFailure(errors.New("down"))
	time.Sleep(40 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout error: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), CircuitHalfOpen)
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitClosed)
	}
}

func TestCircuitBreaker_ReopenFromHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})

	cb.RecordFailure(errors.New("down"))
	time.Sleep(40 * time.Millisecond)
	_ = cb.Allow()
	cb.RecordFailure(errors.New("still down"))

	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitOpen)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 1)

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		OnStateChange: func(from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	cb.RecordFailure(errors.New("down"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestResilientClient_Do_SendsOnce(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"maintenance"}`))
	}))
	defer server.Close()

	rc := NewResilientClient(nil, DefaultCircuitBreakerConfig())

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"title":"T"}`))
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"message":"maintenance"}` {
		t.Errorf("body = %q, want error payload", body)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if rc.breaker.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", rc.breaker.State(), CircuitClosed)
	}
}

func TestResilientClient_Do_CircuitOpen(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rc := NewResilientClient(nil, CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Second,
	})

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		if resp, err := rc.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := rc.Do(req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do() error = %v, want ErrCircuitOpen", err)
	}
	if err == nil || !strings.Contains(err.Error(), "Service Unavailable") {
		t.Errorf("Do() error = %v, want it to name the last status", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if rc.breaker.State() != CircuitOpen {
		t.Errorf("State() = %v, want %v", rc.breaker.State(), CircuitOpen)
	}
}

func TestResilientClient_Do_ClientErrorsKeepCircuitClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	rc := NewResilientClient(nil, CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := rc.Do(req)
		if err != nil {
			t.Fatalf("Do() error: %v", err)
		}
		resp.Body.Close()
	}
	if rc.breaker.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", rc.breaker.State(), CircuitClosed)
	}
}

func TestResilientClient_CanceledRequestIsNotAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rc := NewResilientClient(nil, CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if _, err := rc.Do(req); !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if rc.breaker.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", rc.breaker.State(), CircuitClosed)
	}
}

func TestNewWithCircuitBreaker_InsertCarriesTraceID(t *testing.T) {
	var gotPrefer, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"n1"}]`))
	}))
	defer server.Close()

	c, err := NewWithCircuitBreaker(Config{URL: server.URL, APIKey: "anon"}, DefaultCircuitBreakerConfig())
	if err != nil {
		t.Fatalf("NewWithCircuitBreaker() error: %v", err)
	}

	ctx := logging.WithTraceID(context.Background(), "req-1")
	resp, err := c.From("notifications").ExecuteInsert(ctx, map[string]any{"title": "T"})
	if err != nil {
		t.Fatalf("ExecuteInsert() error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if gotPrefer != "return=representation" {
		t.Errorf("Prefer = %q, want return=representation", gotPrefer)
	}
	if gotRequestID != "req-1" {
		t.Errorf("X-Request-Id = %q, want req-1", gotRequestID)
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: http.StatusNotFound}
	if err.Error() != "Not Found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "Not Found")
	}
}

func BenchmarkCircuitBreaker_Allow(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Allow()
	}
}

package clients

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_NormalizesConfigToBoundRetries(t *testing.T) {
	policy := NewHTTPRetryPolicy(HTTPExecutorConfig{MaxRetries: -3})

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected request to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected bounded single attempt with negative retries, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_RetriesUpToConfiguredLimit(t *testing.T) {
	policy := NewHTTPRetryPolicy(HTTPExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("dns lag")
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_DoesNotRetryClientErrors(t *testing.T) {
	policy := NewHTTPRetryPolicy(HTTPExecutorConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	var attempts int32
	resp, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{StatusCode: http.StatusConflict}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 passthrough, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPExecutor_CircuitOpensAfterFailures(t *testing.T) {
	executor := NewHTTPExecutor(HTTPExecutorConfig{
		MaxRetries: 0,
		CircuitBreaker: &CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 2,
			FailureWindow:    2,
			Delay:            time.Minute,
		},
	})

	var calls int32
	call := func() error {
		_, err := ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("refused")
		})
		return err
	}

	for i := 0; i < 3; i++ {
		_ = call()
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected open circuit to short-circuit the third call, got %d calls", got)
	}
}

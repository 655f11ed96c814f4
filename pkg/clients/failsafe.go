package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"vibeslop/pkg/logging"
)

// CircuitBreakerConfig configures the HTTP circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker in logs
	Name string

	// FailureThreshold failures out of FailureWindow executions open the circuit.
	FailureThreshold uint
	FailureWindow    uint

	// Delay is how long the circuit stays open before half-opening.
	Delay time.Duration

	// SuccessThreshold successes in half-open state close the circuit again.
	SuccessThreshold uint

	Logger logging.Logger
}

// DefaultCircuitBreakerConfig returns defaults for a named breaker.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    10,
		Delay:            15 * time.Second,
		SuccessThreshold: 1,
	}
}

// DefaultShouldRetry determines if an HTTP request should be retried.
// Retries on network errors, server errors (5xx), and rate limits (429).
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// HTTPExecutorConfig configures the HTTP executor
type HTTPExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// CircuitBreaker is optional; nil disables circuit breaking.
	CircuitBreaker *CircuitBreakerConfig

	// ShouldRetry determines if a response should trigger a retry
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultHTTPExecutorConfig returns sensible defaults
func DefaultHTTPExecutorConfig() HTTPExecutorConfig {
	return HTTPExecutorConfig{
		MaxRetries:  2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

func normalizeHTTPExecutorConfig(cfg HTTPExecutorConfig) HTTPExecutorConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewHTTPRetryPolicy creates a retry policy for HTTP requests
//
//nolint:bodyclose // [*http.Response] is a type parameter, not a response
func NewHTTPRetryPolicy(cfg HTTPExecutorConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeHTTPExecutorConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			return cfg.ShouldRetry(resp, err)
		}).
		ReturnLastFailure().
		Build()
}

// NewHTTPCircuitBreaker builds a breaker that counts transport errors and
// 5xx responses as failures.
//
//nolint:bodyclose // [*http.Response] is a type parameter, not a response
func NewHTTPCircuitBreaker(cfg CircuitBreakerConfig) circuitbreaker.CircuitBreaker[*http.Response] {
	defaults := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.FailureWindow < cfg.FailureThreshold {
		cfg.FailureWindow = cfg.FailureThreshold * 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaults.Delay
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}

	builder := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		})

	if cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			cfg.Logger.WithFields(logging.Fields{
				"circuit_breaker": cfg.Name,
				"from_state":      stateName(event.OldState),
				"to_state":        stateName(event.NewState),
			}).Warn("circuit breaker state change")
		})
	}

	return builder.Build()
}

// NewHTTPExecutor creates a failsafe executor for HTTP requests combining the
// retry policy and an optional circuit breaker. The breaker sits inside the
// retry so every attempt is counted.
//
//nolint:bodyclose // [*http.Response] is a type parameter, not a response
func NewHTTPExecutor(cfg HTTPExecutorConfig) failsafe.Executor[*http.Response] {
	retry := NewHTTPRetryPolicy(cfg)
	if cfg.CircuitBreaker != nil {
		return failsafe.With[*http.Response](retry, NewHTTPCircuitBreaker(*cfg.CircuitBreaker))
	}
	return failsafe.With[*http.Response](retry)
}

// ExecuteHTTP runs an HTTP request through the executor
func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

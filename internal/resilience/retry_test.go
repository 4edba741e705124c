package resilience

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps backoff in the microsecond range so exhaustion tests
// stay quick. Zero jitter makes the schedule deterministic.
func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
		JitterFactor:   0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "busy"}
		}
		return "launched", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "launched", got)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		return "", &HTTPError{StatusCode: http.StatusBadRequest, Message: "bad filter"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.Equal(t, 1, calls, "a 400 must not be retried")
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		return "", &HTTPError{StatusCode: http.StatusBadGateway, Message: "upstream down"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries retries")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastRetryConfig()
	cfg.InitialBackoff = time.Hour // cancellation must cut the backoff short
	_, err := RetryWithResult(ctx, cfg, func() (string, error) {
		calls++
		cancel()
		return "", &HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoffDoublesAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFactor:   0,
	}
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(cfg, 2))
	assert.Equal(t, 800*time.Millisecond, calculateBackoff(cfg, 3))
	assert.Equal(t, time.Second, calculateBackoff(cfg, 4), "backoff is capped at MaxBackoff")
	assert.Equal(t, time.Second, calculateBackoff(cfg, 10))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"http 500", &HTTPError{StatusCode: 500}, true},
		{"http 503", &HTTPError{StatusCode: 503}, true},
		{"http 429", &HTTPError{StatusCode: 429}, true},
		{"http 400", &HTTPError{StatusCode: 400}, false},
		{"http 404", &HTTPError{StatusCode: 404}, false},
		{"circuit open", ErrCircuitOpen, true},
		{"plain error", errors.New("nope"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRetryWithCircuitBreakerStopsCallingTrippedService(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      2,
	})

	calls := 0
	_, err := RetryWithCircuitBreaker(context.Background(), cb, "vastai", fastRetryConfig(), func() (string, error) {
		calls++
		return "", &HTTPError{StatusCode: http.StatusBadGateway, Message: "upstream down"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// The breaker trips on the second failure; later attempts are refused
	// without reaching the provider.
	assert.Equal(t, 2, calls)
	assert.Equal(t, gobreaker.StateOpen, cb.GetState("vastai"))

	cb.Reset("vastai")
	assert.Equal(t, gobreaker.StateClosed, cb.GetState("vastai"))
}

func TestCircuitBreakerIsolatesServices(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      1,
	})

	_, err := cb.Execute("cirrus", func() (interface{}, error) {
		return nil, errors.New("quota")
	})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.GetState("cirrus"))
	assert.Equal(t, gobreaker.StateClosed, cb.GetState("vastai"), "one tripped service must not block another")

	got, err := cb.Execute("vastai", func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

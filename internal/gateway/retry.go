package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed %d: %s", e.Op, e.StatusCode, e.Body)
}

var transientStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsTransient treats transport failures and throttling or upstream 5xx answers
// as retryable. Any other status is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		_, ok := transientStatus[statusErr.StatusCode]
		return ok
	}
	return true
}

type RetryPolicy struct {
	// Delays holds the wait before each additional attempt.
	Delays    []time.Duration
	Transient func(err error) bool
	Sleep     func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(op string, attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:    []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		Transient: IsTransient,
		Sleep:     sleepContext,
	}
}

// Retry runs call until it succeeds, fails with a non-transient error or the
// delay schedule is exhausted. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, op string, call func(ctx context.Context) (T, error)) (T, error) {
	transient := policy.Transient
	if transient == nil {
		transient = IsTransient
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		out, err := call(ctx)
		if err == nil || !transient(err) || attempt >= len(policy.Delays) {
			return out, err
		}

		if policy.OnRetry != nil {
			policy.OnRetry(op, attempt+1, err)
		}
		if serr := sleep(ctx, policy.Delays[attempt]); serr != nil {
			return out, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

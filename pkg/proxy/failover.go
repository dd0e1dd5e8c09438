package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mercator-hq/meridian/pkg/registry"
)

// jitterFactor is the randomization applied to retry delays when jitter is on.
const jitterFactor = 0.5

// AttemptFunc performs one forwarding attempt. attempt is 0 for the first try.
type AttemptFunc func(ctx context.Context, attempt int) (*Response, error)

// RetryInfo describes a scheduled retry.
type RetryInfo struct {
	ServiceID string
	Attempt   int
	Delay     time.Duration
	Err       error
}

// FailoverOptions configures a Failover controller.
type FailoverOptions struct {
	// OnRetry is called before each backoff wait.
	OnRetry func(RetryInfo)

	Logger *slog.Logger
}

// Failover retries forwarding attempts according to a service's failover
// configuration.
type Failover struct {
	onRetry func(RetryInfo)
	logger  *slog.Logger
}

// NewFailover creates a failover controller.
func NewFailover(opts FailoverOptions) *Failover {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		onRetry: opts.OnRetry,
		logger:  logger.With("component", "failover"),
	}
}

// Execute runs attempt until it succeeds, fails with a non-retryable error or
// the retry budget is spent.
//
// With failover disabled attempt runs exactly once and its result is returned
// unchanged. Otherwise retryable failures are retried up to cfg.MaxRetries
// times with delays RetryDelay * BackoffMultiplier^n, capped at MaxDelay.
// When every attempt failed the last error is wrapped in a
// *RetriesExhaustedError. Cancelling ctx during a wait returns ctx's error.
func (f *Failover) Execute(ctx context.Context, serviceID string, cfg registry.ServiceFailoverConfig, attempt AttemptFunc) (*Response, error) {
	if !cfg.Enabled {
		return attempt(ctx, 0)
	}

	maxTries := cfg.MaxRetries + 1
	if maxTries < 1 {
		maxTries = 1
	}

	tries := 0
	var lastErr error
	operation := func() (*Response, error) {
		n := tries
		tries++
		resp, err := attempt(ctx, n)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, delay time.Duration) {
		f.logger.Warn("retrying upstream call",
			"service_id", serviceID,
			"attempt", tries,
			"delay", delay,
			"error", err,
		)
		if f.onRetry != nil {
			f.onRetry(RetryInfo{ServiceID: serviceID, Attempt: tries, Delay: delay, Err: err})
		}
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(Schedule(cfg)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return resp, nil
	}
	// Retry hands back the wrapper when the last allowed try was permanent.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if ctx.Err() != nil || err != lastErr || !Retryable(err) {
		return resp, err
	}
	return resp, &RetriesExhaustedError{Attempts: tries, Last: err}
}

// Schedule builds the delay schedule for cfg. Successive NextBackOff calls
// yield RetryDelay, RetryDelay*m, RetryDelay*m^2 and so on, capped at MaxDelay
// and randomized only when Jitter is set.
func Schedule(cfg registry.ServiceFailoverConfig) *backoff.ExponentialBackOff {
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxInterval := cfg.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: cfg.RetryDelay,
		Multiplier:      multiplier,
		MaxInterval:     maxInterval,
	}
	if cfg.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}

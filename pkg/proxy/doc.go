// Package proxy forwards requests to a selected upstream instance and retries
// failed forwards according to a service's failover policy.
//
// # Executor
//
// Executor.Forward sends one request to one instance:
//
//  1. The instance's connection counter is incremented in the registry
//  2. The call runs under context.WithTimeout(ctx, timeout)
//  3. The response is buffered and hop-by-hop headers are stripped
//  4. The counter is decremented on every exit path
//  5. Latency and outcome are folded into the instance's rolling metrics
//
// Failures are classified so callers can decide what to do next:
//
//   - *UpstreamTimeoutError: the deadline elapsed (retryable)
//   - *UpstreamServerError: the upstream answered 5xx (retryable)
//   - *UpstreamConnectionError: no response arrived (retryable)
//   - *UpstreamClientError: the upstream answered 4xx (returned verbatim, never retried)
//
// A call aborted because the caller's context was cancelled returns the
// context error and is not recorded against the instance.
//
// # Failover
//
// Failover.Execute wraps an attempt function:
//
//	resp, err := failover.Execute(ctx, "orders", svc.Failover,
//	    func(ctx context.Context, attempt int) (*proxy.Response, error) {
//	        inst := pick()
//	        return executor.Forward(ctx, inst, req, svc.Timeout)
//	    })
//
// With failover enabled, a retryable failure is retried up to MaxRetries
// times. The n-th retry waits RetryDelay * BackoffMultiplier^(n-1), capped at
// MaxDelay, with optional jitter. The schedule comes from
// github.com/cenkalti/backoff/v5. Exhausting the budget yields a
// *RetriesExhaustedError wrapping the last failure; the gateway uses it to
// decide whether to run the service's fallback.
//
// # Thread Safety
//
// Executor and Failover are safe for concurrent use.
package proxy

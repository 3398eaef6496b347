package extract

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether a failed attempt may be followed by another,
// and how long to wait first. Policies are per-invocation: Next is called
// once after each failed attempt with the 0-based index of that attempt.
type RetryPolicy interface {
	Next(attempt int) (delay time.Duration, retry bool)
}

// maxRetriesPolicy allows n additional attempts after the first, with no
// delay between them. "max retries = N" therefore means N+1 total provider
// calls.
type maxRetriesPolicy struct {
	maxRetries int
}

// MaxRetries returns the default fixed-budget policy.
func MaxRetries(n int) RetryPolicy {
	if n < 0 {
		n = 0
	}
	return &maxRetriesPolicy{maxRetries: n}
}

func (p *maxRetriesPolicy) Next(attempt int) (time.Duration, bool) {
	return 0, attempt < p.maxRetries
}

// backoffPolicy adapts a cenkalti/backoff schedule as a retry policy, so
// callers can bring exponential backoff with jitter or any other stop rule.
type backoffPolicy struct {
	b backoff.BackOff
}

// WithBackoff wraps a backoff schedule as a RetryPolicy. The schedule is
// stateful, so build a fresh one per call (e.g. backoff.WithMaxRetries(
// backoff.NewExponentialBackOff(), 3)).
func WithBackoff(b backoff.BackOff) RetryPolicy {
	return &backoffPolicy{b: b}
}

func (p *backoffPolicy) Next(int) (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

package managers

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryPolicy reattempts an operation a fixed number of times on a constant
// interval. Only errors carrying the retriable marker are reattempted, and a
// policy marked EscalationsOnly narrows that further to escalations.
type RetryPolicy struct {
	MaxAttempts     int
	Interval        time.Duration
	EscalationsOnly bool
}

// ShortRetry covers propagation-shaped waits, a little over a minute in
// total.
func ShortRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 12, Interval: 6 * time.Second}
}

// LongRetry covers CA-side validation escalations, one repeat after a long
// cool-off.
func LongRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Interval: 3 * time.Hour, EscalationsOnly: true}
}

// Execute runs op until it succeeds, exhausts the attempt budget, returns a
// non-retriable error, or the context ends. The last error is returned
// unwrapped.
func (p RetryPolicy) Execute(ctx context.Context, op func() error) error {
	if p.MaxAttempts < 1 {
		return errors.New("retry policy needs at least one attempt")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxAttempts-1)),
		ctx,
	)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.shouldRetry(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// shouldRetry routes the two transient flavors to the right policy. A plain
// RetriableError belongs to the short policy, a RetriableEscalation only to
// the long one. Escalating errors must not burn short-policy attempts, the
// ACME order behind them is already dead.
func (p RetryPolicy) shouldRetry(err error) bool {
	if p.EscalationsOnly {
		var esc RetriableEscalation
		return errors.As(err, &esc)
	}
	var re RetriableError
	return errors.As(err, &re)
}

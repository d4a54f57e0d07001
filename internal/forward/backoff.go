package forward

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAdmissionBackoff bounds the admission-overflow retry delay so a
// pathologically busy route never waits longer than an hour between
// retries.
const maxAdmissionBackoff = time.Hour

// admissionBackoffDelay returns the delay before retrying a study that was
// denied admission by the rate limiter, doubling per attempt starting at
// one minute (attempt 0 -> 1m, attempt 1 -> 2m, ...), per §4.J's
// "exponential backoff capped at 2^attempt minutes". Built on
// cenkalti/backoff/v4's ExponentialBackOff rather than a hand-rolled
// doubling loop, with randomization disabled so retries stay deterministic
// and testable.
func admissionBackoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Minute
	b.Multiplier = 2
	b.MaxInterval = maxAdmissionBackoff
	b.RandomizationFactor = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > maxAdmissionBackoff {
		delay = maxAdmissionBackoff
	}
	return delay
}

package dispatch

import "time"

// DefaultBackoffLadder is the delay schedule indexed by retry count. Retries
// past the last rung are clamped to it.
var DefaultBackoffLadder = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// RateLimitBackoff is the fixed delay applied when a downstream signals
// capacity pushback, large enough to let the downstream recover.
const RateLimitBackoff = 60 * time.Second

// Decision is the outcome of the retry policy for one failure.
type Decision struct {
	ShouldRetry    bool
	Delay          time.Duration
	NextPriority   Priority
	NextRetryCount int
}

// RetryPolicy decides retry/backoff/demotion for failed messages. It is a
// pure value: Decide has no side effects.
type RetryPolicy struct {
	Ladder []time.Duration
}

func NewRetryPolicy(ladder []time.Duration) RetryPolicy {
	if len(ladder) == 0 {
		ladder = DefaultBackoffLadder
	}
	return RetryPolicy{Ladder: ladder}
}

// NextDelay looks up the ladder for a retry count, clamping to the last rung.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.Ladder) {
		return p.Ladder[len(p.Ladder)-1]
	}
	return p.Ladder[retryCount]
}

// Decide applies the policy rules:
//   - validation failures are terminal;
//   - rate-limited failures retry after a fixed backoff with priority demoted
//     one tier, so a saturated downstream is not hammered at high urgency;
//   - everything else retries on the exponential ladder at unchanged priority.
//
// ShouldRetry is false once the retry budget is exhausted.
func (p RetryPolicy) Decide(priority Priority, retryCount, maxRetries int, kind ErrorKind) Decision {
	d := Decision{
		NextPriority:   priority,
		NextRetryCount: retryCount + 1,
	}

	if kind == KindValidation {
		return d
	}
	if retryCount >= maxRetries {
		return d
	}

	d.ShouldRetry = true
	if kind == KindRateLimited {
		d.Delay = RateLimitBackoff
		d.NextPriority = Demote(priority)
		return d
	}

	d.Delay = p.NextDelay(retryCount)
	return d
}

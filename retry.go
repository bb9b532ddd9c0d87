package shipflow

import "time"

// RetryBuilder assembles the two retry policies a Runtime applies:
//
//   - RuntimeConfig.EngineRetry: how often the engine repeats a log or
//     timer-store call that failed with a storage error, within one Start or
//     Resume.
//   - RuntimeConfig.TaskRetry: how often a worker re-enqueues a start,
//     signal, timer or cancel task whose execution failed transiently, and
//     how long the task's NotBefore is pushed out each time.
//
// Logical errors (not waiting, unknown instance, terminal) are never retried
// under either policy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing attempts tries in total, the first one
// included. Anything below one means a single try.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// WithExponentialBackoff waits initial before the second try and grows the
// wait by factor per try, capped at ceiling when ceiling > 0. A factor <= 0
// means doubling.
//
//	Retry(5).WithExponentialBackoff(200*time.Millisecond, 2, 10*time.Second)
func (b RetryBuilder) WithExponentialBackoff(initial time.Duration, factor float64, ceiling time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2
	}
	b.policy.InitialBackoff = initial
	b.policy.BackoffMultiplier = factor
	b.policy.MaxBackoff = ceiling
	return b
}

// WithConstantBackoff waits delay between every two tries.
func (b RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	b.policy.InitialBackoff = delay
	b.policy.BackoffMultiplier = 1
	b.policy.MaxBackoff = 0
	return b
}

// Immediate retries without waiting. Re-enqueued tasks become due at once.
func (b RetryBuilder) Immediate() RetryBuilder {
	b.policy.InitialBackoff = 0
	b.policy.BackoffMultiplier = 0
	b.policy.MaxBackoff = 0
	return b
}

// Policy returns the assembled policy.
func (b RetryBuilder) Policy() RetryPolicy {
	return b.policy
}

package domain

import (
	"math/rand"
	"time"
)

const (
	// MaxRetryDelay caps the per-message retry backoff.
	MaxRetryDelay = 300 * time.Second
	// MaxLockRetryDelay caps the worker lock re-acquire backoff before jitter.
	MaxLockRetryDelay = 30 * time.Second
)

// RetryDelay returns the delivery retry backoff for the given attempt count
// (the count after the claim, so the first failure passes attempt=1):
// min(300s, 2^(attempt-1)) seconds.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^9 s already exceeds the cap; avoid overflow on large attempt counts.
	if attempt > 9 {
		return MaxRetryDelay
	}
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// LockRetryDelay returns the delay before the next lock acquisition attempt:
// min(30s, 2^min(6, attempt-1)) seconds plus uniform jitter in [0, 20% of base].
func LockRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 6 {
		exp = 6
	}
	base := time.Duration(1<<exp) * time.Second
	if base > MaxLockRetryDelay {
		base = MaxLockRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1)) //nolint:gosec // Weak random is fine for jitter.
	return base + jitter
}

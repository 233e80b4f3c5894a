package app

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface {
	Err() error
}

// RedisPinger is the minimal Redis client surface needed for readiness.
type RedisPinger interface {
	Ping(ctx context.Context) RedisPingResult
}

// ReadinessChecker runs a set of checks and reports aggregate readiness.
type ReadinessChecker struct {
	Checks  []Check
	Timeout time.Duration
}

// NewReadinessChecker constructs a checker with a per-probe timeout.
func NewReadinessChecker(checks ...Check) *ReadinessChecker {
	return &ReadinessChecker{Checks: checks, Timeout: 2 * time.Second}
}

// DBCheck probes the database pool.
func DBCheck(pool Pinger) Check {
	return Check{Name: "db", Probe: func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}}
}

// RedisCheck probes the Redis connection.
func RedisCheck(rdb RedisPinger) Check {
	return Check{Name: "redis", Probe: func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}}
}

// LeaseCheck reports whether the worker loop has refreshed its lease within
// the staleness window. A replica that has never completed a refresh is not
// ready; a standby stays not-ready until it wins the lock.
func LeaseCheck(lastRefresh func() time.Time, staleAfter time.Duration) Check {
	return Check{Name: "lease", Probe: func(context.Context) error {
		last := lastRefresh()
		if last.IsZero() {
			return fmt.Errorf("no successful lease refresh yet")
		}
		if age := time.Since(last); age > staleAfter {
			return fmt.Errorf("lease refresh stale by %s", age-staleAfter)
		}
		return nil
	}}
}

// Handler serves the aggregate readiness result as JSON-ish plain text.
func (rc *ReadinessChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range rc.Checks {
			ctx, cancel := context.WithTimeout(r.Context(), rc.Timeout)
			err := c.Probe(ctx)
			cancel()
			if err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", c.Name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

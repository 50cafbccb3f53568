// Package memlimiter is the in-process rate limiter backend, used for
// single-instance deployments and tests.
package memlimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oho/lfmt-daemon/internal/ratelimit"
)

type window struct {
	count   int
	resetAt time.Time
}

type accountBuckets struct {
	mu                sync.Mutex
	requestsPerMinute window
	tokensPerMinute   window
	requestsPerDay    window
}

// Limiter enforces Limits per account using in-memory counters. It does not
// survive a process restart, which is acceptable for the embedded
// single-instance deployment it targets.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*accountBuckets
	limits   ratelimit.Limits
	location *time.Location
}

func New(limits ratelimit.Limits, dayBoundaryTZ string) (*Limiter, error) {
	loc, err := time.LoadLocation(dayBoundaryTZ)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", dayBoundaryTZ, err)
	}
	return &Limiter{
		accounts: make(map[string]*accountBuckets),
		limits:   limits,
		location: loc,
	}, nil
}

func (l *Limiter) bucketFor(account string) *accountBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.accounts[account]
	if !ok {
		b = &accountBuckets{}
		l.accounts[account] = b
	}
	return b
}

func resetIfPassed(w *window, now time.Time, length time.Duration) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(length)
	}
}

func nextDayBoundary(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, 1)
}

func (l *Limiter) Acquire(ctx context.Context, account string, estimatedInputTokens, estimatedOutputTokens int, deadline time.Time) (ratelimit.Result, error) {
	b := l.bucketFor(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	resetIfPassed(&b.requestsPerMinute, now, time.Minute)
	resetIfPassed(&b.tokensPerMinute, now, time.Minute)
	if b.requestsPerDay.resetAt.IsZero() || !now.Before(b.requestsPerDay.resetAt) {
		b.requestsPerDay.count = 0
		b.requestsPerDay.resetAt = nextDayBoundary(now, l.location)
	}

	tokenCharge := estimatedInputTokens + estimatedOutputTokens

	var blocking []*window
	if b.requestsPerMinute.count+1 > l.limits.RequestsPerMinute {
		blocking = append(blocking, &b.requestsPerMinute)
	}
	if b.tokensPerMinute.count+tokenCharge > l.limits.TokensPerMinute {
		blocking = append(blocking, &b.tokensPerMinute)
	}
	if b.requestsPerDay.count+1 > l.limits.RequestsPerDay {
		blocking = append(blocking, &b.requestsPerDay)
	}

	if len(blocking) > 0 {
		wait := earliestReset(now, blocking)
		if now.Add(wait).After(deadline) {
			return ratelimit.Result{Decision: ratelimit.Denied}, nil
		}
		return ratelimit.Result{Decision: ratelimit.RetryAfter, RetryAfter: wait}, nil
	}

	b.requestsPerMinute.count++
	b.tokensPerMinute.count += tokenCharge
	b.requestsPerDay.count++
	return ratelimit.Result{Decision: ratelimit.Granted}, nil
}

func earliestReset(now time.Time, blocking []*window) time.Duration {
	earliest := blocking[0].resetAt
	for _, w := range blocking[1:] {
		if w.resetAt.Before(earliest) {
			earliest = w.resetAt
		}
	}
	if earliest.Before(now) {
		return 0
	}
	return earliest.Sub(now)
}

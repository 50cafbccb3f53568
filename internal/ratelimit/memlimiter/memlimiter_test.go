package memlimiter

import (
	"context"
	"testing"
	"time"

	"github.com/oho/lfmt-daemon/internal/ratelimit"
)

func TestAcquireGrantedWithinBudget(t *testing.T) {
	l, err := New(ratelimit.Limits{RequestsPerMinute: 10, TokensPerMinute: 10000, RequestsPerDay: 1000}, "UTC")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := l.Acquire(context.Background(), "acct-1", 100, 100, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Decision != ratelimit.Granted {
		t.Errorf("expected Granted, got %v", res.Decision)
	}
}

func TestAcquireRetryAfterWhenRequestsExhausted(t *testing.T) {
	l, err := New(ratelimit.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000, RequestsPerDay: 1000}, "UTC")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	first, _ := l.Acquire(ctx, "acct-2", 10, 10, deadline)
	if first.Decision != ratelimit.Granted {
		t.Fatalf("expected first call granted, got %v", first.Decision)
	}

	second, err := l.Acquire(ctx, "acct-2", 10, 10, deadline)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if second.Decision != ratelimit.RetryAfter {
		t.Errorf("expected RetryAfter once requests-per-minute is exhausted, got %v", second.Decision)
	}
	if second.RetryAfter <= 0 {
		t.Error("expected a positive retry-after duration")
	}
}

func TestAcquireDeniedWhenWaitExceedsDeadline(t *testing.T) {
	l, err := New(ratelimit.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000, RequestsPerDay: 1000}, "UTC")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	l.Acquire(ctx, "acct-3", 10, 10, time.Now().Add(time.Hour))
	res, err := l.Acquire(ctx, "acct-3", 10, 10, time.Now().Add(time.Millisecond))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Decision != ratelimit.Denied {
		t.Errorf("expected Denied when retry would exceed deadline, got %v", res.Decision)
	}
}

func TestAcquireTokenBudgetEnforced(t *testing.T) {
	l, err := New(ratelimit.Limits{RequestsPerMinute: 1000, TokensPerMinute: 150, RequestsPerDay: 1000}, "UTC")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	first, _ := l.Acquire(ctx, "acct-4", 100, 0, deadline)
	if first.Decision != ratelimit.Granted {
		t.Fatalf("expected first call granted, got %v", first.Decision)
	}
	second, _ := l.Acquire(ctx, "acct-4", 100, 0, deadline)
	if second.Decision != ratelimit.RetryAfter {
		t.Errorf("expected token budget to block second call, got %v", second.Decision)
	}
}

func TestAcquirePerAccountIsolation(t *testing.T) {
	l, err := New(ratelimit.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000, RequestsPerDay: 1000}, "UTC")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	l.Acquire(ctx, "acct-5", 10, 10, deadline)
	res, _ := l.Acquire(ctx, "acct-6", 10, 10, deadline)
	if res.Decision != ratelimit.Granted {
		t.Errorf("expected a different account to have its own budget, got %v", res.Decision)
	}
}

package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBreaker(config Config) (*Breaker, *time.Time) {
	b := New("test", config, zap.NewNop())
	now := time.Now()
	b.now = func() time.Time { return now }
	b.expiry = now.Add(config.Interval)
	return b, &now
}

func failing(context.Context) error    { return errors.New("boom") }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	b, _ := newTestBreaker(config)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	err := b.Execute(ctx, succeeding)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	b, _ := newTestBreaker(config)

	ctx := context.Background()
	b.Execute(ctx, failing)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.SuccessThreshold = 2
	config.Cooldown = 10 * time.Second
	b, now := newTestBreaker(config)

	ctx := context.Background()
	b.Execute(ctx, failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	*now = now.Add(11 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", got)
	}

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after probes = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Cooldown = 10 * time.Second
	b, now := newTestBreaker(config)

	ctx := context.Background()
	b.Execute(ctx, failing)
	*now = now.Add(11 * time.Second)

	if err := b.Execute(ctx, failing); err == nil {
		t.Fatal("probe unexpectedly succeeded")
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open again", got)
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.MaxRequests = 1
	config.SuccessThreshold = 5
	config.Cooldown = 10 * time.Second
	b, now := newTestBreaker(config)

	ctx := context.Background()
	b.Execute(ctx, failing)
	*now = now.Add(11 * time.Second)

	// Occupy the single probe slot, then verify further requests shed.
	gen, err := b.beforeRequest()
	if err != nil {
		t.Fatalf("probe admission: %v", err)
	}
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen while probe in flight", err)
	}
	b.afterRequest(gen, true)
}

package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRegistry(threshold, retries int) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{
		FailureThreshold: threshold,
		Cooldown:         time.Minute,
		MaxRetries:       retries,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	}, slog.Default())
	r.now = clock.Now
	return r, clock
}

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r, _ := testRegistry(3, 0)
	b := r.Get("oracle")

	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("should still be closed after 2 failures, got %s", b.State())
	}

	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	called := false
	err := b.Call(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must fail fast without calling the dependency")
	}
	if got := b.Status().ShortCircuited; got != 1 {
		t.Errorf("short-circuited = %d, want 1", got)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	r, clock := testRegistry(1, 0)
	b := r.Get("sandbox")

	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	clock.Advance(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// Failed probe re-opens immediately.
	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("failed probe should re-open, got %s", b.State())
	}

	clock.Advance(2 * time.Minute)
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %s", b.State())
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	r, _ := testRegistry(1, 0)
	_ = r.Get("prom").Call(context.Background(), failing)

	if r.Get("prom").State() != StateOpen {
		t.Fatal("prom should be open")
	}
	if r.Get("loki").State() != StateClosed {
		t.Fatal("loki must not be affected by prom")
	}
	if err := r.Get("loki").Call(context.Background(), succeeding); err != nil {
		t.Fatalf("loki call: %v", err)
	}
	if open := r.Open(); len(open) != 1 || open[0] != "prom" {
		t.Errorf("Open() = %v", open)
	}
}

func TestDoRetriesWithBackoff(t *testing.T) {
	r, _ := testRegistry(3, 2)
	b := r.Get("prom")

	attempts := 0
	got, err := Do(context.Background(), b, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errBoom
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 || attempts != 3 {
		t.Errorf("got %d after %d attempts", got, attempts)
	}
	st := b.Status()
	if st.TotalCalls != 1 || st.TotalFailures != 0 {
		t.Errorf("one logical call expected, got %+v", st)
	}
}

func TestDoRetriesAreBounded(t *testing.T) {
	r, _ := testRegistry(5, 2)
	attempts := 0
	err := r.Get("prom").Call(context.Background(), func(context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if got := r.Get("prom").Status().ConsecutiveFailures; got != 1 {
		t.Errorf("retries count as one failure, got %d", got)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	r, _ := testRegistry(5, 3)
	attempts := 0
	err := r.Get("oracle").Call(context.Background(), func(context.Context) error {
		attempts++
		return backoff.Permanent(errBoom)
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("permanent error retried %d times", attempts)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	r, _ := testRegistry(5, 5)
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := r.Get("prom").Call(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errBoom
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("cancelled call retried %d times", attempts)
	}
}

func TestReset(t *testing.T) {
	r, _ := testRegistry(1, 0)
	b := r.Get("prom")
	_ = b.Call(context.Background(), failing)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
}

func TestConfigFrom(t *testing.T) {
	got := ConfigFrom(config.BreakerConfig{FailureThreshold: 5, CooldownSec: 10, MaxRetries: 0, BaseBackoffMs: 50, MaxBackoffMs: 400})
	want := Config{FailureThreshold: 5, Cooldown: 10 * time.Second, BaseBackoff: 50 * time.Millisecond, MaxBackoff: 400 * time.Millisecond}
	if got != want {
		t.Errorf("ConfigFrom = %+v, want %+v", got, want)
	}
	if d := ConfigFrom(config.BreakerConfig{MaxRetries: 2}); d != DefaultConfig() {
		t.Errorf("zero fields should keep defaults, got %+v", d)
	}
}

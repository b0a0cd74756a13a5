package observe

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Millisecond,
	}, testLogger())
}

func static(id string, payload map[string]float64) *StaticProvider {
	return &StaticProvider{SourceID: id, Kind: "metrics", Payload: payload}
}

func failingProvider(id string, err error) *FuncProvider {
	return &FuncProvider{SourceID: id, Fn: func(context.Context) (types.Observation, error) {
		return types.Observation{}, err
	}}
}

func TestCollectAllHealthy(t *testing.T) {
	h := NewHistory(8)
	c := NewCollector([]Provider{
		static("prom", map[string]float64{"cpu_usage": 42}),
		static("probe", map[string]float64{"up": 1}),
	}, h, testBreakers(), time.Second, testLogger())

	col := c.Collect(context.Background())
	if col.Degraded || col.Err != nil {
		t.Fatalf("unexpected degraded collection: %+v", col)
	}
	if len(col.Observations) != 2 || len(col.Gaps) != 0 {
		t.Fatalf("expected 2 observations, got %d (gaps %d)", len(col.Observations), len(col.Gaps))
	}
	obs, ok := col.BySource("prom")
	if !ok || obs.ID == "" || obs.Timestamp.IsZero() {
		t.Fatalf("observation not stamped: %+v", obs)
	}
	if h.Len("prom") != 1 || h.Len("probe") != 1 {
		t.Error("observations should be appended to history")
	}
}

func TestCollectIsolatesFailingProvider(t *testing.T) {
	c := NewCollector([]Provider{
		static("prom", map[string]float64{"cpu_usage": 42}),
		failingProvider("loki", errors.New("connection refused")),
	}, NewHistory(8), testBreakers(), time.Second, testLogger())

	col := c.Collect(context.Background())
	if col.Degraded {
		t.Fatal("one healthy provider must keep the collection non-degraded")
	}
	if len(col.Gaps) != 1 || col.Gaps[0].SourceID != "loki" {
		t.Fatalf("expected a gap for loki, got %+v", col.Gaps)
	}
	if !errors.Is(col.Gaps[0].Err, types.ErrProviderUnavailable) {
		t.Errorf("gap error should wrap ErrProviderUnavailable: %v", col.Gaps[0].Err)
	}
	if _, ok := col.BySource("prom"); !ok {
		t.Error("healthy provider result missing")
	}
}

func TestCollectTimesOutSlowProvider(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := &FuncProvider{SourceID: "slow", Fn: func(context.Context) (types.Observation, error) {
		// Ignores its deadline on purpose.
		<-release
		return types.Observation{Payload: map[string]float64{"x": 1}}, nil
	}}
	c := NewCollector([]Provider{slow, static("fast", map[string]float64{"x": 2})},
		NewHistory(8), testBreakers(), 50*time.Millisecond, testLogger())

	start := time.Now()
	col := c.Collect(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("collect waited %s for a hung provider", elapsed)
	}
	if len(col.Gaps) != 1 || !errors.Is(col.Gaps[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline gap, got %+v", col.Gaps)
	}
}

func TestDrainWaitsForAbandonedFetch(t *testing.T) {
	release := make(chan struct{})
	slow := &FuncProvider{SourceID: "slow", Fn: func(context.Context) (types.Observation, error) {
		<-release
		return types.Observation{Payload: map[string]float64{"x": 1}}, nil
	}}
	c := NewCollector([]Provider{slow}, NewHistory(8), testBreakers(), 10*time.Millisecond, testLogger())

	col := c.Collect(context.Background())
	if len(col.Gaps) != 1 {
		t.Fatalf("expected a gap for the hung provider, got %+v", col)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain with a running provider = %v", err)
	}

	close(release)
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain after the provider returned = %v", err)
	}
}

func TestCollectAllDownUsesStaleHistory(t *testing.T) {
	var down atomic.Bool
	p := &FuncProvider{SourceID: "prom", Fn: func(context.Context) (types.Observation, error) {
		if down.Load() {
			return types.Observation{}, errors.New("503")
		}
		return types.Observation{Payload: map[string]float64{"cpu_usage": 55}}, nil
	}}
	h := NewHistory(8)
	c := NewCollector([]Provider{p}, h, testBreakers(), time.Second, testLogger())

	first := c.Collect(context.Background())
	if first.Degraded {
		t.Fatal("first collection should be healthy")
	}

	down.Store(true)
	col := c.Collect(context.Background())
	if !col.Degraded || !errors.Is(col.Err, types.ErrAllProvidersDown) {
		t.Fatalf("expected degraded collection, got %+v", col)
	}
	if len(col.Observations) != 1 || !col.Observations[0].Stale {
		t.Fatalf("expected one stale observation, got %+v", col.Observations)
	}
	if v, _ := col.Observations[0].Value("cpu_usage"); v != 55 {
		t.Errorf("stale value = %v, want 55", v)
	}
	if col.Fresh() != 0 {
		t.Error("stale observations must not count as fresh")
	}
	if h.Len("prom") != 1 {
		t.Error("stale observations must not be re-appended to history")
	}
}

func TestCollectNoHistoryDegradedEmpty(t *testing.T) {
	c := NewCollector([]Provider{failingProvider("prom", errors.New("down"))},
		NewHistory(8), testBreakers(), time.Second, testLogger())
	col := c.Collect(context.Background())
	if !col.Degraded || len(col.Observations) != 0 {
		t.Fatalf("expected empty degraded collection, got %+v", col)
	}
}

func TestCollectRejectsEmptyPayload(t *testing.T) {
	empty := &FuncProvider{SourceID: "empty", Fn: func(context.Context) (types.Observation, error) {
		return types.Observation{}, nil
	}}
	c := NewCollector([]Provider{empty}, NewHistory(8), testBreakers(), time.Second, testLogger())
	col := c.Collect(context.Background())
	if len(col.Gaps) != 1 || !errors.Is(col.Gaps[0].Err, ErrEmptyPayload) {
		t.Fatalf("expected empty payload gap, got %+v", col.Gaps)
	}
}

func TestCollectRecoversProviderPanic(t *testing.T) {
	bad := &FuncProvider{SourceID: "bad", Fn: func(context.Context) (types.Observation, error) {
		panic("nil map")
	}}
	c := NewCollector([]Provider{bad, static("ok", map[string]float64{"x": 1})},
		NewHistory(8), testBreakers(), time.Second, testLogger())
	col := c.Collect(context.Background())
	if len(col.Gaps) != 1 || col.Gaps[0].SourceID != "bad" {
		t.Fatalf("panicking provider should become a gap: %+v", col.Gaps)
	}
}

func TestCollectOpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	p := &FuncProvider{SourceID: "prom", Fn: func(context.Context) (types.Observation, error) {
		calls.Add(1)
		return types.Observation{}, errors.New("refused")
	}}
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, Cooldown: time.Hour, BaseBackoff: time.Millisecond}, testLogger())
	c := NewCollector([]Provider{p}, NewHistory(8), breakers, time.Second, testLogger())

	c.Collect(context.Background())
	c.Collect(context.Background())
	col := c.Collect(context.Background())

	if got := calls.Load(); got != 2 {
		t.Errorf("provider called %d times, breaker should have opened after 2", got)
	}
	if !errors.Is(col.Gaps[0].Err, types.ErrCircuitOpen) {
		t.Errorf("expected circuit-open gap, got %v", col.Gaps[0].Err)
	}
}

func TestFetchSingleProvider(t *testing.T) {
	c := NewCollector([]Provider{static("probe", map[string]float64{"up": 1})},
		NewHistory(8), testBreakers(), time.Second, testLogger())

	obs, err := c.Fetch(context.Background(), "probe")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if v, _ := obs.Value("up"); v != 1 {
		t.Errorf("up = %v", v)
	}
	if c.History().Len("probe") != 0 {
		t.Error("Fetch must not record history")
	}
	if _, err := c.Fetch(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

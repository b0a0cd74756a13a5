package loop

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/types"
)

func TestTaskGroupDrainsAndJoinsErrors(t *testing.T) {
	tg := NewTaskGroup(context.Background(), testLogger())
	release := make(chan struct{})
	var finished atomic.Int32

	tg.Go("slow", func(ctx context.Context) error {
		<-release
		finished.Add(1)
		return nil
	})
	tg.Go("failing", func(ctx context.Context) error {
		finished.Add(1)
		return errors.New("disk full")
	})
	tg.Go("panicking", func(ctx context.Context) error {
		finished.Add(1)
		panic("boom")
	})

	deadline := time.Now().Add(time.Second)
	for !cmp.Equal(tg.Active(), []string{"slow"}) {
		if time.Now().After(deadline) {
			t.Fatalf("active = %v", tg.Active())
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	err := tg.Wait()
	if finished.Load() != 3 {
		t.Fatalf("Wait returned with %d of 3 tasks finished", finished.Load())
	}
	if err == nil || !strings.Contains(err.Error(), "failing: disk full") || !strings.Contains(err.Error(), "panicking") {
		t.Errorf("Wait = %v", err)
	}
	if len(tg.Active()) != 0 {
		t.Errorf("active after Wait = %v", tg.Active())
	}
}

func TestNewSchedule(t *testing.T) {
	s, err := NewSchedule(config.LoopConfig{IntervalSec: 30})
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := s.Next(t0); !got.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("interval next = %v", got)
	}

	s, err = NewSchedule(config.LoopConfig{IntervalSec: 30, Schedule: "*/15 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Next(t0.Add(time.Minute)); !got.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("cron next = %v", got)
	}

	if _, err := NewSchedule(config.LoopConfig{Schedule: "every tuesday"}); err == nil {
		t.Error("invalid cron accepted")
	}
	if _, err := NewSchedule(config.LoopConfig{}); err == nil {
		t.Error("zero interval accepted")
	}
}

func TestHealthScore(t *testing.T) {
	obs := func(source string, up float64, stale bool) types.Observation {
		return types.Observation{SourceID: source, Payload: map[string]float64{"up": up}, Stale: stale}
	}
	tests := []struct {
		name    string
		obs     []types.Observation
		sources int
		issues  []types.Issue
		want    float64
	}{
		{"all up, calm", []types.Observation{obs("a", 1, false), obs("b", 1, false)}, 2, nil, 1},
		{"one down", []types.Observation{obs("a", 1, false), obs("b", 0, false)}, 2, nil, 0.75},
		{"stale counts as down", []types.Observation{obs("a", 1, true)}, 1, nil, 0.5},
		{"high issue", []types.Observation{obs("a", 1, false)}, 1, []types.Issue{{Severity: types.SeverityHigh}}, 0.75},
		{"critical issue", []types.Observation{obs("a", 1, false)}, 1, []types.Issue{{Severity: types.SeverityHigh}, {Severity: types.SeverityCritical}}, 0.5},
		{"no sources", nil, 0, []types.Issue{{Severity: types.SeverityLow}}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := HealthScore(observe.Collection{Observations: tc.obs}, tc.sources, tc.issues)
			if got != tc.want {
				t.Errorf("HealthScore = %v, want %v", got, tc.want)
			}
		})
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/types"
)

func TestCycleAndStageMetrics(t *testing.T) {
	m := New()
	m.CycleFinished("ok", time.Second)
	m.CycleFinished("degraded", 2*time.Second)
	m.CycleFinished("ok", time.Second)
	m.Overrun()
	m.ObserveStage("collect", 100*time.Millisecond)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.overruns); got != 1 {
		t.Errorf("overruns = %v", got)
	}
	if n := testutil.CollectAndCount(m.stageDuration); n != 1 {
		t.Errorf("stage series = %d", n)
	}
}

func TestVerdictAndOutcomeLabels(t *testing.T) {
	m := New()
	m.Verdict(types.ValidationVerdict{State: types.StatePassed, Passed: true, SafetyOK: true})
	m.Verdict(types.ValidationVerdict{State: types.StatePassed, Passed: true})
	m.Verdict(types.ValidationVerdict{State: types.StateErrored, Err: "boom"})
	m.Verdict(types.ValidationVerdict{State: types.StateFailed})
	m.Verdict(types.ValidationVerdict{State: types.StateApplying})

	for _, tc := range []struct {
		state, safety string
		want          float64
	}{
		{"passed", "ok", 1}, {"passed", "unsafe", 1}, {"errored", "n/a", 2}, {"failed", "n/a", 1},
	} {
		if got := testutil.ToFloat64(m.verdicts.WithLabelValues(tc.state, tc.safety)); got != tc.want {
			t.Errorf("verdicts{%s,%s} = %v", tc.state, tc.safety, got)
		}
	}

	rs := types.ActionRestartService
	m.Outcome(types.ActionOutcome{ActionType: rs, Executed: true, Success: true})
	m.Outcome(types.ActionOutcome{ActionType: rs, Executed: true, RolledBack: true})
	m.Outcome(types.ActionOutcome{ActionType: rs, Executed: true, Fatal: true})
	m.Outcome(types.ActionOutcome{ActionType: rs, WouldExecute: true})
	m.Outcome(types.ActionOutcome{ActionType: rs, SkipReason: "cap"})
	m.Outcome(types.ActionOutcome{ActionType: rs, SkipReason: "verdict not safety-ok", Rejected: true})
	for _, result := range []string{"success", "rolled_back", "fatal", "would_execute", "skipped", "rejected"} {
		if got := testutil.ToFloat64(m.outcomes.WithLabelValues(string(rs), result)); got != 1 {
			t.Errorf("outcomes{%s} = %v", result, got)
		}
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetBreakers([]breaker.Status{
		{Name: "oracle", State: breaker.StateOpen},
		{Name: "provider:prom", State: breaker.StateClosed},
	})
	expected := `
# HELP opsloop_breaker_state Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).
# TYPE opsloop_breaker_state gauge
opsloop_breaker_state{dependency="oracle"} 2
opsloop_breaker_state{dependency="provider:prom"} 0
`
	if err := testutil.CollectAndCompare(m.breakerState, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}

	m.SetIssues([]types.Issue{{Severity: types.SeverityHigh}, {Severity: types.SeverityHigh}, {Severity: types.SeverityLow}})
	if got := testutil.ToFloat64(m.issues.WithLabelValues("high")); got != 2 {
		t.Errorf("high issues = %v", got)
	}
	if got := testutil.ToFloat64(m.issues.WithLabelValues("critical")); got != 0 {
		t.Errorf("critical issues = %v", got)
	}

	m.SetConfidence(map[types.ActionType]types.ConfidenceScore{types.ActionScaleOut: {Value: 0.8}})
	if got := testutil.ToFloat64(m.confidence.WithLabelValues("scale_out")); got != 0.8 {
		t.Errorf("confidence = %v", got)
	}
	m.SetHealth(0.25)
	if got := testutil.ToFloat64(m.health); got != 0.25 {
		t.Errorf("health = %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SetHealth(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "opsloop_health_score 1") {
		t.Errorf("health gauge missing from exposition")
	}
}

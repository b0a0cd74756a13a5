// Package metrics exposes the control loop's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/types"
)

const namespace = "opsloop"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	overruns       prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	cycleDuration  prometheus.Histogram
	issues         *prometheus.GaugeVec
	providerGaps   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	verdicts       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	confidence     *prometheus.GaugeVec
	escalations    *prometheus.CounterVec
	health         prometheus.Gauge
	lastCycleStart prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		// Labels: result (ok, degraded, error)
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycles_total",
			Help: "Completed cycles by result.",
		}, []string{"result"}),
		overruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "overruns_total",
			Help: "Ticks dropped because the previous cycle was still running.",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "stage_duration_seconds",
			Help:    "Duration of each cycle stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycle_duration_seconds",
			Help:    "Duration of a full cycle.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		lastCycleStart: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "loop", Name: "last_cycle_start_timestamp_seconds",
			Help: "Unix time the last cycle started.",
		}),
		// Labels: severity
		issues: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "active_issues",
			Help: "Active issues by severity after the last cycle.",
		}, []string{"severity"}),
		// Labels: source
		providerGaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "provider_gaps_total",
			Help: "Provider fetches that produced no observation.",
		}, []string{"source"}),
		// Labels: dependency. 0 closed, 1 half-open, 2 open.
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		// Labels: state (passed, failed, errored), safety (ok, unsafe, n/a)
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "verdicts_total",
			Help: "Validation verdicts.",
		}, []string{"state", "safety"}),
		// Labels: action_type, result (success, failed, rolled_back, fatal, skipped, would_execute)
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "outcomes_total",
			Help: "Action outcomes.",
		}, []string{"action_type", "result"}),
		confidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "learning", Name: "confidence",
			Help: "Confidence score per action type.",
		}, []string{"action_type"}),
		// Labels: sink, kind, status (ok, error)
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "deliveries_total",
			Help: "Escalation delivery attempts.",
		}, []string{"sink", "kind", "status"}),
		health: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "health_score",
			Help: "Health of the observed service after the last cycle, 0 to 1.",
		}),
	}
}

func (m *Metrics) CycleStarted(at time.Time) {
	m.lastCycleStart.Set(float64(at.Unix()))
}

// CycleFinished records a finished cycle. result is ok, degraded or error.
func (m *Metrics) CycleFinished(result string, d time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Overrun() { m.overruns.Inc() }

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ProviderGap(source string) { m.providerGaps.WithLabelValues(source).Inc() }

// SetIssues replaces the active-issue gauges.
func (m *Metrics) SetIssues(issues []types.Issue) {
	counts := map[types.Severity]float64{}
	for _, is := range issues {
		counts[is.Severity]++
	}
	for _, sev := range []types.Severity{types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical} {
		m.issues.WithLabelValues(sev.String()).Set(counts[sev])
	}
}

// SetBreakers exports a breaker registry snapshot.
func (m *Metrics) SetBreakers(statuses []breaker.Status) {
	for _, s := range statuses {
		v := 0.0
		switch s.State {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		m.breakerState.WithLabelValues(s.Name).Set(v)
	}
}

func (m *Metrics) Verdict(v types.ValidationVerdict) {
	state := string(v.State)
	switch v.State {
	case types.StatePassed, types.StateFailed, types.StateErrored:
	default:
		// Cut short before reaching a terminal state.
		state = string(types.StateErrored)
	}
	safety := "n/a"
	if v.Passed {
		safety = "unsafe"
		if v.SafetyOK {
			safety = "ok"
		}
	}
	m.verdicts.WithLabelValues(state, safety).Inc()
}

func (m *Metrics) Outcome(o types.ActionOutcome) {
	result := "skipped"
	switch {
	case o.WouldExecute:
		result = "would_execute"
	case o.Rejected:
		result = "rejected"
	case !o.Executed:
	case o.Success:
		result = "success"
	case o.Fatal:
		result = "fatal"
	case o.RolledBack:
		result = "rolled_back"
	default:
		result = "failed"
	}
	m.outcomes.WithLabelValues(string(o.ActionType), result).Inc()
}

func (m *Metrics) SetConfidence(scores map[types.ActionType]types.ConfidenceScore) {
	for t, s := range scores {
		m.confidence.WithLabelValues(string(t)).Set(s.Value)
	}
}

func (m *Metrics) Escalation(sink, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.escalations.WithLabelValues(sink, kind, status).Inc()
}

func (m *Metrics) SetHealth(score float64) { m.health.Set(score) }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

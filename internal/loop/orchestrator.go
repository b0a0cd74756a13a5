// Package loop runs the observe, classify, plan, validate, execute and learn
// cycle on a schedule.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/classify"
	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/escalate"
	"github.com/clawinfra/opsloop/internal/execute"
	"github.com/clawinfra/opsloop/internal/learn"
	"github.com/clawinfra/opsloop/internal/ledger"
	"github.com/clawinfra/opsloop/internal/metrics"
	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/plan"
	"github.com/clawinfra/opsloop/internal/types"
	"github.com/clawinfra/opsloop/internal/validate"
)

// persistTimeout bounds the end-of-cycle writes, which run detached from the
// cycle context so a shutdown still records the cycle.
const persistTimeout = 30 * time.Second

// Notifier accepts escalation notices without blocking.
type Notifier interface {
	Notify(n escalate.Notice) bool
}

// Deps are the components a cycle drives. Breakers, Escalator, Ledger and
// Metrics may be nil.
type Deps struct {
	Collector  *observe.Collector
	Classifier *classify.Classifier
	Planner    *plan.Planner
	Validator  *validate.Validator
	Executor   *execute.Executor
	Store      *learn.Store
	Breakers   *breaker.Registry
	Escalator  Notifier
	Ledger     *ledger.Ledger
	Metrics    *metrics.Metrics
}

// Options tune scheduling.
type Options struct {
	Schedule cron.Schedule
	// Maximum executed actions per cycle.
	ActionCap int
	// Upper bound for one cycle, 0 = none.
	CycleTimeout time.Duration
}

// Orchestrator owns the cycle. Cycles never overlap.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	cycleMu   sync.Mutex
	actionCap atomic.Int64
	overruns  atomic.Int64
	cycles    atomic.Int64

	reportMu sync.RWMutex
	last     *CycleReport
}

// New creates an orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Collector == nil:
		return nil, errors.New("loop: collector is required")
	case deps.Classifier == nil:
		return nil, errors.New("loop: classifier is required")
	case deps.Planner == nil:
		return nil, errors.New("loop: planner is required")
	case deps.Validator == nil:
		return nil, errors.New("loop: validator is required")
	case deps.Executor == nil:
		return nil, errors.New("loop: executor is required")
	case deps.Store == nil:
		return nil, errors.New("loop: learning store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Schedule == nil {
		opts.Schedule = Every(time.Minute)
	}
	if opts.ActionCap <= 0 {
		opts.ActionCap = 3
	}
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "loop"),
		now:    time.Now,
	}
	o.actionCap.Store(int64(opts.ActionCap))
	return o, nil
}

// LastReport returns the most recent cycle report, or nil before the first.
func (o *Orchestrator) LastReport() *CycleReport {
	o.reportMu.RLock()
	defer o.reportMu.RUnlock()
	return o.last
}

// Overruns returns how many scheduled ticks were dropped because a cycle
// was still running.
func (o *Orchestrator) Overruns() int64 { return o.overruns.Load() }

// Cycles returns how many cycles have completed.
func (o *Orchestrator) Cycles() int64 { return o.cycles.Load() }

// ActionCap returns the current per-cycle action cap.
func (o *Orchestrator) ActionCap() int { return int(o.actionCap.Load()) }

// ApplyConfig hot-applies the runtime-tunable settings: safety mode, the
// action cap, the confidence floor and the regression tolerance. It takes
// effect from the next cycle. An invalid config is rejected whole.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	safety := validate.SafetyFromConfig(cfg.Safety)
	if cfg.Planner.ActionCap > 0 {
		o.actionCap.Store(int64(cfg.Planner.ActionCap))
	}
	o.deps.Executor.SetSafetyMode(cfg.Safety.SafetyMode)
	o.deps.Planner.SetConfidenceFloor(cfg.Planner.ConfidenceFloor)
	o.deps.Validator.SetSafety(safety)
	o.logger.Info("runtime settings applied",
		"safety_mode", cfg.Safety.SafetyMode,
		"action_cap", o.ActionCap(),
		"confidence_floor", cfg.Planner.ConfidenceFloor,
		"max_regression", safety.MaxRegression,
	)
	return nil
}

// Run executes a cycle immediately and then on every schedule activation
// until ctx is cancelled. Activations that pass while a cycle is running
// are dropped and counted as overruns. Run returns once the in-flight cycle
// has finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("control loop started", "action_cap", o.ActionCap())

	timer := time.NewTimer(0)
	defer timer.Stop()
	next := o.now()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("control loop stopped", "cycles", o.Cycles(), "overruns", o.Overruns())
			return nil
		case <-timer.C:
		}

		report := o.RunCycle(ctx)
		if ctx.Err() != nil {
			o.logger.Info("control loop stopped", "cycles", o.Cycles(), "overruns", o.Overruns())
			return nil
		}

		now := o.now()
		next = o.opts.Schedule.Next(next)
		missed := 0
		for !next.After(now) && missed < 10000 {
			missed++
			next = o.opts.Schedule.Next(next)
		}
		if missed > 0 {
			o.overruns.Add(int64(missed))
			if o.deps.Metrics != nil {
				for range missed {
					o.deps.Metrics.Overrun()
				}
			}
			o.logger.Warn("cycle overran its schedule", "cycle", report.CycleID, "dropped_ticks", missed, "duration", report.Duration())
		}
		timer.Reset(next.Sub(now))
		o.logger.Debug("next cycle scheduled", "at", next.Format(time.RFC3339))
	}
}

// RunCycle performs one full cycle. It never panics and never returns an
// error: failures are recorded on the report.
func (o *Orchestrator) RunCycle(ctx context.Context) (report CycleReport) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	report = CycleReport{
		CycleID:     uuid.New().String(),
		StartedAt:   o.now(),
		ScoreDeltas: make(map[types.ActionType]float64),
		Stages:      make(map[string]time.Duration),
	}
	logger := o.logger.With("cycle", report.CycleID)
	if o.deps.Metrics != nil {
		o.deps.Metrics.CycleStarted(report.StartedAt)
	}

	cctx := ctx
	if o.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.opts.CycleTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
			report.Errors = append(report.Errors, fmt.Errorf("cycle panicked: %v", r))
		}
		o.finish(ctx, &report, logger)
	}()

	o.cycle(cctx, &report, logger)
	return report
}

func (o *Orchestrator) stage(report *CycleReport, name string, fn func()) {
	start := o.now()
	fn()
	d := o.now().Sub(start)
	report.Stages[name] = d
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStage(name, d)
	}
}

func (o *Orchestrator) cycle(ctx context.Context, report *CycleReport, logger *slog.Logger) {
	d := o.deps

	var coll observe.Collection
	o.stage(report, StageCollect, func() {
		coll = d.Collector.Collect(ctx)
	})
	report.Degraded = coll.Degraded
	report.Gaps = coll.Gaps
	if coll.Degraded {
		logger.Warn("cycle degraded: no provider answered", "error", coll.Err, "stale_observations", len(coll.Observations))
	}

	var cls classify.Result
	o.stage(report, StageClassify, func() {
		d.Classifier.BeginCycle(report.CycleID)
		cls = d.Classifier.Classify(ctx, coll, d.Collector.History())
	})
	report.Issues = cls.Issues
	report.Resolved = cls.Resolved
	report.OracleUsed = cls.OracleUsed
	report.HealthScore = HealthScore(coll, len(d.Collector.Providers()), cls.Issues)

	actionCap := o.ActionCap()
	o.stage(report, StagePlan, func() {
		d.Planner.BeginCycle(report.CycleID)
		report.Plan = d.Planner.PlanDetailed(ctx, cls.Issues, d.Store.Snapshot(), actionCap)
	})
	if report.Plan.OracleErr != nil {
		logger.Warn("oracle suggestions discarded, planned from catalog", "error", report.Plan.OracleErr)
	}

	d.Executor.BeginCycle(actionCap)
	// Actions a human approved since the last cycle were validated when
	// they were queued and take the cap first.
	for _, out := range d.Executor.ExecuteApproved(ctx) {
		o.addOutcome(report, out, logger)
	}

	o.stage(report, StageValidate, func() {
		report.Verdicts = d.Validator.ValidateAll(ctx, report.Plan.Actions)
	})

	o.stage(report, StageExecute, func() {
		for i, action := range report.Plan.Actions {
			verdict := report.Verdicts[i]
			o.addOutcome(report, o.execute(ctx, action, verdict, report, logger), logger)
		}
	})

	o.stage(report, StageLearn, func() {
		o.learn(report, logger)
	})
}

// execute runs one planned action through the executor when its verdict
// allows it, escalating what needs a human.
func (o *Orchestrator) execute(ctx context.Context, action types.Action, verdict types.ValidationVerdict, report *CycleReport, logger *slog.Logger) types.ActionOutcome {
	if !verdict.Executable() {
		reason := execute.SkipNoVerdict
		if verdict.Passed {
			reason = execute.SkipUnsafe
			o.escalate(report, escalate.Notice{
				Kind:     escalate.KindUnsafeVerdict,
				ActionID: action.ID,
				Summary:  fmt.Sprintf("%s on %s passed validation but is not safe to apply", action.Type, action.Target),
				Details:  map[string]string{"reason": verdict.SafetyReason, "risk": action.Risk.String()},
			})
		}
		logger.Info("action not executed", "action", action.ID, "type", action.Type, "state", verdict.State, "reason", reason)
		return types.ActionOutcome{
			ID:         uuid.New().String(),
			ActionID:   action.ID,
			ActionType: action.Type,
			SkipReason: reason,
			Rejected:   verdict.Rejects(),
			Err:        verdict.Err,
			RecordedAt: o.now(),
		}
	}
	if err := ctx.Err(); err != nil {
		return types.ActionOutcome{
			ID:         uuid.New().String(),
			ActionID:   action.ID,
			ActionType: action.Type,
			SkipReason: "cycle cancelled",
			RecordedAt: o.now(),
		}
	}

	out := o.deps.Executor.Execute(ctx, action, &verdict)
	if out.WouldExecute {
		o.escalate(report, escalate.Notice{
			Kind:     escalate.KindApprovalRequired,
			ActionID: action.ID,
			Summary:  fmt.Sprintf("%s on %s (risk %s) is waiting for approval", action.Type, action.Target, action.Risk),
			Details:  map[string]string{"approve": "opsloop approve " + action.ID},
		})
	}
	return out
}

// addOutcome appends out to the report, escalating fatal outcomes and
// charging executed actions to the planner's rate limit. A second outcome
// for the same action is rejected.
func (o *Orchestrator) addOutcome(report *CycleReport, out types.ActionOutcome, logger *slog.Logger) {
	for _, prev := range report.Outcomes {
		if prev.ActionID == out.ActionID {
			err := fmt.Errorf("action %s: %w", out.ActionID, types.ErrDuplicateOutcome)
			logger.Error("duplicate outcome rejected", "action", out.ActionID)
			report.Errors = append(report.Errors, err)
			return
		}
	}
	if out.Fatal {
		o.escalate(report, escalate.Notice{
			Kind:     escalate.KindRollbackFailure,
			ActionID: out.ActionID,
			Summary:  fmt.Sprintf("%s failed and its rollback failed too", out.ActionType),
			Details:  map[string]string{"error": out.Err},
		})
	}
	if out.Executed {
		o.deps.Planner.Charge(out.ActionType)
	}
	report.Outcomes = append(report.Outcomes, out)
}

// learn feeds the cycle's outcomes to the confidence store. Trials that
// rejected their action count as failures. Outcomes waiting for approval are
// not terminal yet and are left for the approving cycle.
func (o *Orchestrator) learn(report *CycleReport, logger *slog.Logger) {
	store := o.deps.Store
	for i := range report.Outcomes {
		out := &report.Outcomes[i]
		if out.WouldExecute {
			continue
		}
		before := store.ScoreFor(out.ActionType)
		after, err := store.Record(*out)
		if err != nil {
			logger.Error("failed to record outcome", "action", out.ActionID, "error", err)
			report.Errors = append(report.Errors, err)
			continue
		}
		out.ConfidenceDelta = after.Value - before.Value
		if out.Learnable() {
			report.ScoreDeltas[out.ActionType] += out.ConfidenceDelta
			logger.Info("confidence updated",
				"type", out.ActionType,
				"success", out.Success,
				"rejected", out.Rejected,
				"score", after.Value,
				"delta", out.ConfidenceDelta,
				"samples", after.SampleCount,
			)
		}
	}
	report.Scores = store.Snapshot()
}

func (o *Orchestrator) escalate(report *CycleReport, n escalate.Notice) {
	if o.deps.Escalator == nil {
		return
	}
	n.CycleID = report.CycleID
	if o.deps.Escalator.Notify(n) {
		report.Escalations++
	}
}

// finish runs the end-of-cycle bookkeeping and stores the report. The
// persistence tasks are drained before it returns.
func (o *Orchestrator) finish(ctx context.Context, report *CycleReport, logger *slog.Logger) {
	d := o.deps
	if report.Degraded {
		o.escalate(report, escalate.Notice{
			Kind:    escalate.KindDegradedCycle,
			Summary: "no data provider answered; the cycle ran on last known values",
			Details: map[string]string{"gaps": fmt.Sprint(len(report.Gaps))},
		})
	}
	report.FinishedAt = o.now()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	tasks := NewTaskGroup(pctx, logger)
	tasks.Go("providers", d.Collector.Drain)
	tasks.Go("flush", func(ctx context.Context) error {
		return d.Store.Flush(ctx)
	})
	if d.Metrics != nil {
		snapshot := *report
		tasks.Go("metrics", func(context.Context) error {
			o.export(snapshot)
			return nil
		})
	}
	if err := tasks.Wait(); err != nil {
		report.Errors = append(report.Errors, err)
	}

	// The ledger entry is written last so it carries every error above.
	if d.Ledger != nil {
		if err := d.Ledger.Append(report.Entry()); err != nil {
			logger.Error("failed to append ledger entry", "error", err)
			report.Errors = append(report.Errors, err)
		}
	}
	if d.Metrics != nil {
		d.Metrics.CycleFinished(report.Result(), report.Duration())
	}

	o.cycles.Add(1)
	r := *report
	o.reportMu.Lock()
	o.last = &r
	o.reportMu.Unlock()

	attrs := []any{
		"result", report.Result(),
		"duration", report.Duration(),
		"issues", len(report.Issues),
		"actions", len(report.Plan.Actions),
		"outcomes", len(report.Outcomes),
		"health", report.HealthScore,
	}
	if err := report.Err(); err != nil {
		logger.Error("cycle finished with errors", append(attrs, "error", err)...)
		return
	}
	logger.Info("cycle finished", attrs...)
}

func (o *Orchestrator) export(r CycleReport) {
	m := o.deps.Metrics
	for _, g := range r.Gaps {
		m.ProviderGap(g.SourceID)
	}
	m.SetIssues(r.Issues)
	for _, v := range r.Verdicts {
		m.Verdict(v)
	}
	for _, out := range r.Outcomes {
		m.Outcome(out)
	}
	m.SetConfidence(r.Scores)
	m.SetHealth(r.HealthScore)
	if o.deps.Breakers != nil {
		m.SetBreakers(o.deps.Breakers.Snapshot())
	}
}

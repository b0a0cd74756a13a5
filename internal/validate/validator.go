// Package validate runs proposed actions through a trial environment and
// decides whether they may be applied for real.
//
// Each attempt walks Proposed → Provisioning → Applying → Testing →
// {Passed, Failed, Errored} → TornDown. Teardown runs on every exit path.
// The verdict keeps the terminal trial state; TornDown reports the teardown.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/sandbox"
	"github.com/clawinfra/opsloop/internal/types"
)

// BreakerName is the breaker guarding the trial-environment backend.
const BreakerName = "sandbox"

// DefaultTeardownTimeout bounds teardown after the caller's context is gone.
const DefaultTeardownTimeout = 30 * time.Second

// Safety holds the secondary criteria a passing trial report must also meet.
// Risk is not judged here; the executor's safety mode decides what happens
// to critical actions.
type Safety struct {
	// Largest tolerated relative regression of a trial metric vs baseline.
	MaxRegression float64
}

// Config configures a Validator.
type Config struct {
	Safety          Safety
	Parallelism     int
	TrialTimeout    time.Duration
	TeardownTimeout time.Duration
}

// Validator validates actions against a sandbox backend.
type Validator struct {
	backend  sandbox.Backend
	breakers *breaker.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewValidator creates a validator. breakers may be nil.
func NewValidator(cfg Config, backend sandbox.Backend, breakers *breaker.Registry, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Validator{
		backend:  backend,
		breakers: breakers,
		logger:   logger.With("component", "validator", "backend", backend.Name()),
		now:      time.Now,
		cfg:      cfg,
	}
}

// SetSafety replaces the safety criteria used by later validations.
func (v *Validator) SetSafety(s Safety) {
	v.mu.Lock()
	v.cfg.Safety = s
	v.mu.Unlock()
}

func (v *Validator) config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// attempt carries one validation through the state machine.
type attempt struct {
	action  types.Action
	logger  *slog.Logger
	state   types.ValidationState
	verdict types.ValidationVerdict
}

func (a *attempt) transition(to types.ValidationState) {
	a.logger.Debug("validation transition", "from", a.state, "to", to)
	a.state = to
	a.verdict.State = to
}

func (a *attempt) fail(stage string, err error) {
	a.transition(types.StateErrored)
	a.verdict.Err = (&types.ActionError{
		ActionID: a.action.ID,
		Kind:     types.ErrValidationEnvironment,
		Err:      fmt.Errorf("%s: %w", stage, err),
	}).Error()
	a.logger.Warn("validation environment error", "stage", stage, "error", err)
}

// Validate runs one trial of action and returns its verdict. Once an
// environment was requested, teardown is attempted exactly once regardless
// of how the trial ended.
func (v *Validator) Validate(ctx context.Context, action types.Action) (verdict types.ValidationVerdict) {
	cfg := v.config()
	a := &attempt{
		action:  action,
		logger:  v.logger.With("action", action.ID, "type", action.Type),
		state:   types.StateProposed,
		verdict: types.ValidationVerdict{ActionID: action.ID, State: types.StateProposed},
	}
	start := v.now()

	if cfg.TrialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TrialTimeout)
		defer cancel()
	}

	var b *breaker.Breaker
	if v.breakers != nil {
		b = v.breakers.Get(BreakerName)
		if err := b.Allow(); err != nil {
			a.fail("provision", err)
			a.verdict.TrialDuration = v.now().Sub(start)
			return a.verdict
		}
	}

	var env *sandbox.Env
	provisioned := false
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("validation panicked", "panic", r, "stack", string(debug.Stack()))
			perr := fmt.Errorf("panic: %v", r)
			recordBackend(b, perr)
			a.fail(string(a.state), perr)
			a.verdict.Passed = false
			a.verdict.SafetyOK = false
		}
		if provisioned {
			a.verdict.TornDown = v.teardown(ctx, cfg, env, a.logger)
			a.logger.Debug("validation transition", "from", a.state, "to", types.StateTornDown, "ok", a.verdict.TornDown)
		}
		a.verdict.TrialDuration = v.now().Sub(start)
		verdict = a.verdict
	}()

	a.transition(types.StateProvisioning)
	provisioned = true
	env, err := v.backend.Provision(ctx, action)
	if err != nil {
		recordBackend(b, err)
		a.fail("provision", err)
		return
	}

	a.transition(types.StateApplying)
	if err := v.backend.Apply(ctx, env, action); err != nil {
		recordBackend(b, err)
		a.fail("apply", err)
		return
	}

	a.transition(types.StateTesting)
	report, err := v.backend.RunTests(ctx, env)
	if err != nil {
		recordBackend(b, err)
		a.fail("test", err)
		return
	}
	recordBackend(b, nil)
	a.verdict.Report = report

	if !report.Passed {
		a.transition(types.StateFailed)
		a.logger.Info("trial failed", "exit_code", report.ExitCode, "failed_cases", report.FailedCases())
		return
	}
	a.transition(types.StatePassed)
	a.verdict.Passed = true
	a.verdict.SafetyOK, a.verdict.SafetyReason = CheckSafety(cfg.Safety, report)
	if !a.verdict.SafetyOK {
		a.logger.Warn("trial passed but safety check failed", "reason", a.verdict.SafetyReason)
	} else {
		a.logger.Info("trial passed")
	}
	return
}

// teardown releases env on a context detached from the caller's so it runs
// even after cancellation. Failures are logged only.
func (v *Validator) teardown(ctx context.Context, cfg Config, env *sandbox.Env, logger *slog.Logger) (ok bool) {
	if env == nil {
		return true
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.TeardownTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("teardown panicked", "env", env.ID, "panic", r)
			ok = false
		}
	}()
	if err := v.backend.Teardown(tctx, env); err != nil {
		logger.Error("teardown failed", "env", env.ID, "error", err)
		return false
	}
	logger.Debug("trial environment torn down", "env", env.ID)
	return true
}

// recordBackend feeds the sandbox breaker. A cancelled caller is not counted
// against the backend.
func recordBackend(b *breaker.Breaker, err error) {
	if b == nil {
		return
	}
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.RecordSuccess()
	default:
		b.RecordFailure(err)
	}
}

// ValidateAll validates actions and returns verdicts in input order. Trials
// run concurrently only when parallelism > 1 and the backend isolates them.
func (v *Validator) ValidateAll(ctx context.Context, actions []types.Action) []types.ValidationVerdict {
	cfg := v.config()
	verdicts := make([]types.ValidationVerdict, len(actions))
	if cfg.Parallelism <= 1 || !v.backend.Isolated() || len(actions) < 2 {
		for i, action := range actions {
			if ctx.Err() != nil {
				verdicts[i] = cancelledVerdict(action, ctx.Err())
				continue
			}
			verdicts[i] = v.Validate(ctx, action)
		}
		return verdicts
	}

	g := new(errgroup.Group)
	g.SetLimit(cfg.Parallelism)
	for i, action := range actions {
		g.Go(func() error {
			if ctx.Err() != nil {
				verdicts[i] = cancelledVerdict(action, ctx.Err())
				return nil
			}
			verdicts[i] = v.Validate(ctx, action)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}

func cancelledVerdict(action types.Action, err error) types.ValidationVerdict {
	return types.ValidationVerdict{
		ActionID: action.ID,
		State:    types.StateErrored,
		Err:      fmt.Errorf("not started: %w", err).Error(),
	}
}

// CheckSafety applies the secondary criteria to a passing report. It returns
// false with a reason when a test case failed or a trial metric regressed
// beyond the tolerance.
func CheckSafety(s Safety, report types.TestReport) (bool, string) {
	if failed := report.FailedCases(); len(failed) > 0 {
		return false, fmt.Sprintf("failed cases: %v", failed)
	}

	keys := make([]string, 0, len(report.Baseline))
	for k := range report.Baseline {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		base := report.Baseline[k]
		trial, ok := report.Trial[k]
		if !ok {
			continue
		}
		if r := regression(base, trial); r > s.MaxRegression {
			return false, fmt.Sprintf("%s regressed %.1f%% (baseline %g, trial %g)", k, r*100, base, trial)
		}
	}
	return true, ""
}

// regression is the relative increase of trial over base. Metrics are
// treated as lower-is-better.
func regression(base, trial float64) float64 {
	if trial <= base {
		return 0
	}
	if base == 0 {
		return math.Inf(1)
	}
	return (trial - base) / math.Abs(base)
}

// Package execute applies validated actions to the real target.
//
// The executor is the last gate before the live system: it re-checks the
// verdict, enforces the per-cycle cap and safety mode, and runs the declared
// rollback when an apply fails.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/opsloop/internal/types"
)

// Skip reasons reported on outcomes that were not executed.
const (
	SkipNoVerdict        = "no passing verdict"
	SkipUnsafe           = "verdict not safety-ok"
	SkipAlreadyExecuted  = "already executed"
	SkipCapReached       = "per-cycle action cap reached"
	SkipAwaitingApproval = "awaiting human approval"
)

// PostCheck captures an observation after a successful execution.
type PostCheck func(ctx context.Context) (types.Observation, error)

// Config configures an Executor.
type Config struct {
	SafetyMode bool
	// Default per-cycle cap used when BeginCycle gets a non-positive cap.
	Cap int
}

// Executor applies actions through a Target.
type Executor struct {
	target    Target
	approvals *Approvals
	postCheck PostCheck
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	safetyMode bool
	defaultCap int
	cap        int
	used       int
	executed   map[string]struct{}
}

// NewExecutor creates an executor. approvals and postCheck may be nil; with
// no approval queue, safety-mode actions are recorded as would-execute only.
func NewExecutor(cfg Config, target Target, approvals *Approvals, postCheck PostCheck, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 3
	}
	return &Executor{
		target:     target,
		approvals:  approvals,
		postCheck:  postCheck,
		logger:     logger.With("component", "executor", "target", target.Name()),
		now:        time.Now,
		safetyMode: cfg.SafetyMode,
		defaultCap: cfg.Cap,
		cap:        cfg.Cap,
		executed:   make(map[string]struct{}),
	}
}

// BeginCycle resets the per-cycle execution counter.
func (e *Executor) BeginCycle(cap int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cap <= 0 {
		cap = e.defaultCap
	}
	e.cap = cap
	e.used = 0
}

// SetSafetyMode toggles safety mode for later executions.
func (e *Executor) SetSafetyMode(on bool) {
	e.mu.Lock()
	e.safetyMode = on
	e.mu.Unlock()
}

// SafetyMode reports whether safety mode is on.
func (e *Executor) SafetyMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safetyMode
}

// Approvals returns the approval queue, or nil.
func (e *Executor) Approvals() *Approvals { return e.approvals }

func (e *Executor) newOutcome(action types.Action) types.ActionOutcome {
	return types.ActionOutcome{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		ActionType: action.Type,
		RecordedAt: e.now(),
	}
}

func (e *Executor) skip(action types.Action, reason string) types.ActionOutcome {
	o := e.newOutcome(action)
	o.SkipReason = reason
	e.logger.Info("action not executed", "action", action.ID, "type", action.Type, "reason", reason)
	return o
}

// Execute applies action when verdict allows it. The returned outcome is
// terminal: Executed=false with a SkipReason when the action was refused.
func (e *Executor) Execute(ctx context.Context, action types.Action, verdict *types.ValidationVerdict) types.ActionOutcome {
	switch {
	case verdict == nil || verdict.ActionID != action.ID || !verdict.Passed:
		return e.skip(action, SkipNoVerdict)
	case !verdict.SafetyOK:
		return e.skip(action, SkipUnsafe)
	}

	e.mu.Lock()
	if _, done := e.executed[action.ID]; done {
		e.mu.Unlock()
		return e.skip(action, SkipAlreadyExecuted)
	}
	if e.used >= e.cap {
		e.mu.Unlock()
		return e.skip(action, SkipCapReached)
	}
	if e.safetyMode && action.Risk >= types.RiskCritical {
		e.mu.Unlock()
		o := e.skip(action, SkipAwaitingApproval)
		o.WouldExecute = true
		if e.approvals != nil {
			if err := e.approvals.Queue(action, *verdict); err != nil {
				e.logger.Error("failed to queue approval", "action", action.ID, "error", err)
				o.Err = err.Error()
			}
		}
		return o
	}
	e.used++
	e.executed[action.ID] = struct{}{}
	e.mu.Unlock()

	return e.apply(ctx, action)
}

// ExecuteApproved applies actions a human approved since the last call.
// Safety mode does not hold these back; the verdict, duplicate guard and
// cycle cap still apply. Approvals left over by the cap stay queued.
func (e *Executor) ExecuteApproved(ctx context.Context) []types.ActionOutcome {
	if e.approvals == nil {
		return nil
	}
	approved, err := e.approvals.Approved()
	if err != nil {
		e.logger.Error("failed to read approvals", "error", err)
		return nil
	}

	var outcomes []types.ActionOutcome
	for _, a := range approved {
		if ctx.Err() != nil {
			break
		}
		action, verdict := a.Action, a.Verdict

		e.mu.Lock()
		_, done := e.executed[action.ID]
		capped := e.used >= e.cap
		if !done && !capped && verdict.Executable() {
			e.used++
			e.executed[action.ID] = struct{}{}
		}
		e.mu.Unlock()

		switch {
		case done:
			_ = e.approvals.Complete(action.ID)
			continue
		case capped:
			e.logger.Info("approved action deferred to a later cycle", "action", action.ID)
			continue
		case !verdict.Executable():
			_ = e.approvals.Complete(action.ID)
			outcomes = append(outcomes, e.skip(action, SkipUnsafe))
			continue
		}

		e.logger.Info("applying approved action", "action", action.ID, "type", action.Type)
		outcomes = append(outcomes, e.apply(ctx, action))
		if err := e.approvals.Complete(action.ID); err != nil {
			e.logger.Error("failed to complete approval", "action", action.ID, "error", err)
		}
	}
	return outcomes
}

// apply runs the action and, on failure, its rollback.
func (e *Executor) apply(ctx context.Context, action types.Action) types.ActionOutcome {
	o := e.newOutcome(action)
	o.Executed = true
	start := e.now()

	logger := e.logger.With("action", action.ID, "type", action.Type, "target", action.Target)
	applyErr := guard(func() error { return e.target.Apply(ctx, action) })
	if applyErr == nil {
		o.Success = true
		logger.Info("action applied")
		if e.postCheck != nil {
			obs, err := e.postCheck(ctx)
			if err != nil {
				logger.Warn("post-execution check failed", "error", err)
			} else {
				o.PostObservation = &obs
			}
		}
		o.Duration = e.now().Sub(start)
		return o
	}

	logger.Warn("action failed", "error", applyErr)
	if !HasRollback(action) {
		o.Err = (&types.ActionError{ActionID: action.ID, Kind: types.ErrExecutionFailure,
			Err: fmt.Errorf("%w (no rollback declared)", applyErr)}).Error()
		o.Duration = e.now().Sub(start)
		return o
	}

	// The caller's context may be what failed the apply; rollback still runs.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	rollbackErr := guard(func() error { return e.target.Rollback(rctx, action) })
	if rollbackErr == nil {
		o.RolledBack = true
		o.Err = (&types.ActionError{ActionID: action.ID, Kind: types.ErrExecutionFailure, Err: applyErr}).Error()
		logger.Info("action rolled back", "rollback", action.Rollback)
	} else {
		o.Fatal = true
		o.Err = (&types.ActionError{ActionID: action.ID, Kind: types.ErrRollbackFailure,
			Err: errors.Join(applyErr, rollbackErr)}).Error()
		logger.Error("rollback failed", "rollback", action.Rollback, "error", rollbackErr)
	}
	o.Duration = e.now().Sub(start)
	return o
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

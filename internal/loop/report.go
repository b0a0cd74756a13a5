package loop

import (
	"errors"
	"time"

	"github.com/clawinfra/opsloop/internal/ledger"
	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/plan"
	"github.com/clawinfra/opsloop/internal/types"
)

// Cycle stages, as reported in CycleReport.Stages and the stage histogram.
const (
	StageCollect  = "collect"
	StageClassify = "classify"
	StagePlan     = "plan"
	StageValidate = "validate"
	StageExecute  = "execute"
	StageLearn    = "learn"
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Degraded    bool
	Gaps        []observe.Gap
	Issues      []types.Issue
	Resolved    []types.Issue
	OracleUsed  bool
	Plan        plan.Result
	Verdicts    []types.ValidationVerdict
	Outcomes    []types.ActionOutcome
	ScoreDeltas map[types.ActionType]float64
	Scores      map[types.ActionType]types.ConfidenceScore
	HealthScore float64
	Escalations int
	Stages      map[string]time.Duration
	// Errors are infrastructure failures. Provider, oracle and action
	// failures are recovered inside their stage and never land here.
	Errors []error
}

// Err joins the cycle's errors.
func (r CycleReport) Err() error { return errors.Join(r.Errors...) }

// Duration is the cycle's wall time.
func (r CycleReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Result labels the cycle ok, degraded or error.
func (r CycleReport) Result() string {
	switch {
	case len(r.Errors) > 0:
		return "error"
	case r.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}

// Entry converts the report to its ledger record.
func (r CycleReport) Entry() ledger.Entry {
	e := ledger.Entry{
		CycleID:     r.CycleID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Degraded:    r.Degraded,
		Issues:      r.Issues,
		OracleUsed:  r.OracleUsed,
		Actions:     r.Plan.Actions,
		Verdicts:    r.Verdicts,
		Outcomes:    r.Outcomes,
		ScoreDeltas: r.ScoreDeltas,
		Scores:      r.Scores,
		HealthScore: r.HealthScore,
	}
	for _, g := range r.Gaps {
		e.Gaps = append(e.Gaps, g.SourceID)
	}
	for _, is := range r.Resolved {
		e.Resolved = append(e.Resolved, is.ID)
	}
	for _, d := range r.Plan.Dropped {
		e.Dropped = append(e.Dropped, ledger.Drop{ActionID: d.Action.ID, Type: d.Action.Type, Target: d.Action.Target, Reason: d.Reason})
	}
	for _, err := range r.Errors {
		e.Errors = append(e.Errors, err.Error())
	}
	return e
}

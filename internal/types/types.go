// Package types defines the domain model shared by every stage of the
// observe → classify → plan → validate → execute → learn loop.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered severity of an Issue.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity parses "low", "medium", "high" or "critical" (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Raise returns s raised by n steps, capped at critical.
func (s Severity) Raise(n int) Severity {
	r := s + Severity(n)
	if r > SeverityCritical {
		return SeverityCritical
	}
	return r
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RiskLevel is the ordered risk of applying an Action.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// ParseRisk parses "low", "medium", "high" or "critical" (case-insensitive).
func ParseRisk(s string) (RiskLevel, error) {
	for risk, name := range riskNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return risk, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRisk(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// JustifiedBy reports whether an issue of severity s justifies taking risk r.
func (r RiskLevel) JustifiedBy(s Severity) bool {
	return int(r) <= int(s)
}

// Category classifies an Issue.
type Category string

const (
	CategoryResource     Category = "resource"
	CategoryAvailability Category = "availability"
	CategoryLatency      Category = "latency"
	CategoryErrors       Category = "errors"
	CategorySaturation   Category = "saturation"
	CategoryCapacity     Category = "capacity"
	CategoryImprovement  Category = "improvement"
)

// KnownCategory reports whether c is one of the built-in categories.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryResource, CategoryAvailability, CategoryLatency, CategoryErrors,
		CategorySaturation, CategoryCapacity, CategoryImprovement:
		return true
	}
	return false
}

// ActionType identifies a kind of remediation. The set is open: configuration
// may register additional types.
type ActionType string

const (
	ActionRestartService ActionType = "restart_service"
	ActionScaleOut       ActionType = "scale_out"
	ActionScaleIn        ActionType = "scale_in"
	ActionClearCache     ActionType = "clear_cache"
	ActionRollbackDeploy ActionType = "rollback_deploy"
	ActionTuneConfig     ActionType = "tune_config"
	ActionRotateLogs     ActionType = "rotate_logs"
	ActionFailover       ActionType = "failover"
)

// Observation is one provider's reading for one cycle. It is never mutated
// after the collector records it.
type Observation struct {
	ID        string             `json:"id"`
	SourceID  string             `json:"source_id"`
	Kind      string             `json:"kind"` // "metrics", "logs", "health"
	Timestamp time.Time          `json:"timestamp"`
	Payload   map[string]float64 `json:"payload"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Stale     bool               `json:"stale,omitempty"`
}

// Value returns the payload value for key.
func (o Observation) Value(key string) (float64, bool) {
	v, ok := o.Payload[key]
	return v, ok
}

// EvidenceRef points at the observation that justified an Issue.
type EvidenceRef struct {
	ObservationID string    `json:"observation_id"`
	SourceID      string    `json:"source_id"`
	Key           string    `json:"key"`
	Value         float64   `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
}

// Issue is a classified problem (or improvement opportunity).
type Issue struct {
	ID          string        `json:"id"`
	Category    Category      `json:"category"`
	Severity    Severity      `json:"severity"`
	Rule        string        `json:"rule"`
	Signature   string        `json:"signature"`
	Evidence    []EvidenceRef `json:"evidence"`
	Summary     string        `json:"summary"`
	RootCause   string        `json:"root_cause,omitempty"`
	FirstSeen   time.Time     `json:"first_seen"`
	LastSeen    time.Time     `json:"last_seen"`
	Occurrences int           `json:"occurrences"`
	Stale       bool          `json:"stale,omitempty"`
}

// Action is a proposed remediation. Actions are immutable once proposed.
type Action struct {
	ID         string            `json:"id"`
	IssueID    string            `json:"issue_id,omitempty"`
	Type       ActionType        `json:"type"`
	Target     string            `json:"target"`
	Risk       RiskLevel         `json:"risk"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Rollback   string            `json:"rollback,omitempty"`
	Origin     string            `json:"origin"` // "catalog" or "oracle"
	Rationale  string            `json:"rationale,omitempty"`
	ProposedAt time.Time         `json:"proposed_at"`
}

// ValidationState is a state of the trial-validation state machine.
type ValidationState string

const (
	StateProposed     ValidationState = "proposed"
	StateProvisioning ValidationState = "provisioning"
	StateApplying     ValidationState = "applying"
	StateTesting      ValidationState = "testing"
	StatePassed       ValidationState = "passed"
	StateFailed       ValidationState = "failed"
	StateErrored      ValidationState = "errored"
	StateTornDown     ValidationState = "torn_down"
)

// Terminal reports whether s is one of passed, failed or errored.
func (s ValidationState) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateErrored
}

// TestCase is one check inside a trial test run.
type TestCase struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// TestReport is what a trial environment's test suite returns.
type TestReport struct {
	Passed   bool               `json:"passed"`
	ExitCode int                `json:"exit_code"`
	Cases    []TestCase         `json:"cases,omitempty"`
	Output   string             `json:"output,omitempty"`
	Baseline map[string]float64 `json:"baseline,omitempty"`
	Trial    map[string]float64 `json:"trial,omitempty"`
}

// FailedCases returns the names of failing test cases.
func (r TestReport) FailedCases() []string {
	var failed []string
	for _, c := range r.Cases {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// ValidationVerdict is the validator's determination for one action in one cycle.
type ValidationVerdict struct {
	ActionID      string          `json:"action_id"`
	State         ValidationState `json:"state"`
	Passed        bool            `json:"passed"`
	SafetyOK      bool            `json:"safety_ok"`
	SafetyReason  string          `json:"safety_reason,omitempty"`
	Report        TestReport      `json:"test_report"`
	TrialDuration time.Duration   `json:"trial_duration"`
	TornDown      bool            `json:"torn_down"`
	Err           string          `json:"error,omitempty"`
}

// Executable reports whether the verdict allows real execution.
func (v *ValidationVerdict) Executable() bool {
	return v != nil && v.Passed && v.SafetyOK
}

// Rejects reports whether a completed trial judged the action bad: the
// suite failed, or it passed but the safety check did not hold. Errored
// trials say nothing about the action.
func (v *ValidationVerdict) Rejects() bool {
	if v == nil {
		return false
	}
	return v.State == StateFailed || (v.State == StatePassed && v.Passed && !v.SafetyOK)
}

// ActionOutcome is the terminal record for an action.
type ActionOutcome struct {
	ID              string        `json:"id"`
	ActionID        string        `json:"action_id"`
	ActionType      ActionType    `json:"action_type"`
	Executed        bool          `json:"executed"`
	Success         bool          `json:"success"`
	WouldExecute    bool          `json:"would_execute,omitempty"`
	SkipReason      string        `json:"skip_reason,omitempty"`
	// Not executed because its trial rejected it; learned as a failure.
	Rejected        bool          `json:"rejected,omitempty"`
	RolledBack      bool          `json:"rolled_back,omitempty"`
	Fatal           bool          `json:"fatal,omitempty"`
	PostObservation *Observation  `json:"post_observation,omitempty"`
	ConfidenceDelta float64       `json:"confidence_delta"`
	Err             string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// Learnable reports whether the outcome carries a success/failure signal:
// the action ran, or its trial rejected it.
func (o ActionOutcome) Learnable() bool {
	return o.Executed || o.Rejected
}

// ConfidenceScore is the running estimate of an action type's success rate.
type ConfidenceScore struct {
	ActionType  ActionType `json:"action_type"`
	Value       float64    `json:"value"`
	SampleCount int        `json:"sample_count"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

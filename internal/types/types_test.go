package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSeverityOrderingAndRaise(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severity must be ordered low < medium < high < critical")
	}
	if got := SeverityHigh.Raise(1); got != SeverityCritical {
		t.Errorf("high+1 = %s, want critical", got)
	}
	if got := SeverityCritical.Raise(3); got != SeverityCritical {
		t.Errorf("raise must cap at critical, got %s", got)
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		S Severity `json:"s"`
	}{SeverityHigh})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"s":"high"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var out struct {
		S Severity `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"CRITICAL"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.S != SeverityCritical {
		t.Errorf("got %s", out.S)
	}
	if err := json.Unmarshal([]byte(`{"s":"urgent"}`), &out); err == nil {
		t.Error("unknown severity should fail")
	}
}

func TestRiskJustifiedBy(t *testing.T) {
	if !RiskLow.JustifiedBy(SeverityLow) {
		t.Error("low risk is justified by low severity")
	}
	if RiskHigh.JustifiedBy(SeverityMedium) {
		t.Error("high risk is not justified by medium severity")
	}
	if !RiskCritical.JustifiedBy(SeverityCritical) {
		t.Error("critical risk is justified by critical severity")
	}
}

func TestVerdictExecutable(t *testing.T) {
	var nilVerdict *ValidationVerdict
	if nilVerdict.Executable() {
		t.Error("nil verdict must not be executable")
	}
	v := &ValidationVerdict{Passed: true, SafetyOK: false}
	if v.Executable() {
		t.Error("passed but unsafe verdict must not be executable")
	}
	v.SafetyOK = true
	if !v.Executable() {
		t.Error("passed and safe verdict should be executable")
	}
}

func TestVerdictRejects(t *testing.T) {
	tests := []struct {
		name    string
		verdict *ValidationVerdict
		want    bool
	}{
		{"nil", nil, false},
		{"suite failed", &ValidationVerdict{State: StateFailed}, true},
		{"passed but unsafe", &ValidationVerdict{State: StatePassed, Passed: true}, true},
		{"passed and safe", &ValidationVerdict{State: StatePassed, Passed: true, SafetyOK: true}, false},
		{"environment error", &ValidationVerdict{State: StateErrored, Err: "provision: quota"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.verdict.Rejects(); got != tt.want {
				t.Errorf("Rejects() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcomeLearnable(t *testing.T) {
	if (ActionOutcome{SkipReason: "cap"}).Learnable() {
		t.Error("a skipped outcome carries no signal")
	}
	if !(ActionOutcome{Rejected: true}).Learnable() || !(ActionOutcome{Executed: true}).Learnable() {
		t.Error("executed and rejected outcomes are learnable")
	}
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	perr := &ProviderError{SourceID: "prom", Err: cause}
	if !errors.Is(perr, ErrProviderUnavailable) || !errors.Is(perr, cause) {
		t.Error("provider error should unwrap to sentinel and cause")
	}

	aerr := &ActionError{ActionID: "a1", Kind: ErrRollbackFailure, Err: cause}
	if !errors.Is(aerr, ErrRollbackFailure) {
		t.Error("action error should unwrap to its kind")
	}
	if errors.Is(aerr, ErrExecutionFailure) {
		t.Error("action error should not match unrelated sentinel")
	}
}

func TestFailedCases(t *testing.T) {
	r := TestReport{Cases: []TestCase{{Name: "a", Passed: true}, {Name: "b"}, {Name: "c"}}}
	got := r.FailedCases()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("FailedCases = %v", got)
	}
}

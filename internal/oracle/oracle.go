// Package oracle is the boundary to the external analysis service. Responses
// are free-form text; nothing crosses into the loop until it parses into an
// Analysis and passes schema validation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/clawinfra/opsloop/internal/types"
)

// Purpose tells the oracle which stage is asking.
type Purpose string

const (
	PurposeClassify Purpose = "classify"
	PurposePlan     Purpose = "plan"
)

// Request is the structured context handed to the oracle.
type Request struct {
	CycleID      string              `json:"cycle_id"`
	Purpose      Purpose             `json:"purpose"`
	Issues       []types.Issue       `json:"issues"`
	Observations []types.Observation `json:"observations,omitempty"`
	// ActionTypes lists the action types the planner accepts.
	ActionTypes []types.ActionType `json:"action_types,omitempty"`
}

// Oracle answers a Request with free-form text.
type Oracle interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// RecommendedAction is one remediation suggested by the oracle.
type RecommendedAction struct {
	Type       types.ActionType  `json:"type" validate:"required"`
	Target     string            `json:"target" validate:"required"`
	Risk       types.RiskLevel   `json:"risk" validate:"required"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Rollback   string            `json:"rollback,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`
}

// Analysis is the validated form of an oracle response.
type Analysis struct {
	RootCause          string              `json:"root_cause" validate:"required"`
	Severity           types.Severity      `json:"severity" validate:"required"`
	Category           types.Category      `json:"category,omitempty"`
	RecommendedActions []RecommendedAction `json:"recommended_actions" validate:"dive"`
	RiskAssessment     string              `json:"risk_assessment" validate:"required"`
}

// ErrDisabled is returned when no oracle is configured.
var ErrDisabled = errors.New("oracle disabled")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse extracts and validates an Analysis from raw oracle text. The JSON
// object may be wrapped in a Markdown code fence or surrounded by prose.
// Every failure wraps types.ErrOracleMalformedResponse.
func Parse(text string) (*Analysis, error) {
	body, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrOracleMalformedResponse, err)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", types.ErrOracleMalformedResponse, err)
	}
	if err := validate.Struct(&a); err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrOracleMalformedResponse, describe(err))
	}
	if a.Category != "" && !types.KnownCategory(a.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", types.ErrOracleMalformedResponse, a.Category)
	}
	return &a, nil
}

func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", errors.New("empty response")
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errors.New("no JSON object in response")
	}
	return s[start : end+1], nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

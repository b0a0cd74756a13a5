package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure that crosses a stage boundary unwraps to one
// of these so callers can branch with errors.Is.
var (
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrAllProvidersDown        = errors.New("all providers down")
	ErrOracleMalformedResponse = errors.New("oracle malformed response")
	ErrValidationEnvironment   = errors.New("validation environment failure")
	ErrExecutionFailure        = errors.New("execution failure")
	ErrRollbackFailure         = errors.New("rollback failure")
	ErrCircuitOpen             = errors.New("circuit open")
	ErrDuplicateOutcome        = errors.New("duplicate outcome")
	ErrNotApproved             = errors.New("action not approved")
)

// ProviderError records which data source failed.
type ProviderError struct {
	SourceID string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.SourceID, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderUnavailable, e.Err}
}

// ActionError ties a failure to an action. Kind is one of the sentinels above.
type ActionError struct {
	ActionID string
	Kind     error
	Err      error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("action %s: %v", e.ActionID, e.Kind)
	}
	return fmt.Sprintf("action %s: %v: %v", e.ActionID, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

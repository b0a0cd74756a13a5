package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawinfra/opsloop/internal/breaker"
)

// BreakerName is the breaker guarding oracle calls.
const BreakerName = "oracle"

// Advisor calls the oracle under a timeout and circuit breaker and parses
// the result. Transport failures count against the breaker; a malformed
// response does not, since the service answered.
type Advisor struct {
	oracle  Oracle
	breaker *breaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewAdvisor wraps o. A nil Advisor (or nil oracle) is valid and always
// reports ErrDisabled.
func NewAdvisor(o Oracle, breakers *breaker.Registry, timeout time.Duration, logger *slog.Logger) *Advisor {
	if o == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), logger)
	}
	return &Advisor{
		oracle:  o,
		breaker: breakers.Get(BreakerName),
		timeout: timeout,
		logger:  logger.With("component", "advisor"),
	}
}

// Enabled reports whether an oracle is configured.
func (a *Advisor) Enabled() bool { return a != nil && a.oracle != nil }

// Advise asks the oracle and returns the validated analysis.
func (a *Advisor) Advise(ctx context.Context, req Request) (*Analysis, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	text, err := breaker.Do(ctx, a.breaker, func(ctx context.Context) (string, error) {
		return a.oracle.Analyze(ctx, req)
	})
	if err != nil {
		a.logger.Warn("oracle unavailable", "purpose", req.Purpose, "error", err)
		return nil, err
	}

	analysis, err := Parse(text)
	if err != nil {
		a.logger.Warn("oracle response rejected", "purpose", req.Purpose, "error", err)
		return nil, err
	}
	return analysis, nil
}

// Package breaker guards calls to external dependencies (data providers, the
// analysis oracle, the trial-environment backend) with per-dependency
// circuit breakers and bounded exponential-backoff retries.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clawinfra/opsloop/internal/types"
)

// State is the state of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures breaker and retry behavior.
type Config struct {
	FailureThreshold int           // consecutive failed calls before opening (default: 3)
	Cooldown         time.Duration // time an open breaker fails fast (default: 5min)
	MaxRetries       int           // retries inside one call, 0 = single attempt
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		MaxRetries:       2,
		BaseBackoff:      200 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
	}
}

// Status is a point-in-time copy of a breaker's counters.
type Status struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalCalls          int64      `json:"total_calls"`
	TotalFailures       int64      `json:"total_failures"`
	ShortCircuited      int64      `json:"short_circuited"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Breaker tracks the health of a single dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
	totalCalls          int64
	totalFailures       int64
	shortCircuited      int64
	lastError           string
}

func newBreaker(name string, cfg Config, logger *slog.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("dependency", name),
		now:    now,
		state:  StateClosed,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed lets exactly one probe call through (half-open).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.shortCircuited++
			return fmt.Errorf("%s: %w", b.name, types.ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("breaker half-open, probing dependency")
		return nil
	case StateHalfOpen:
		if b.probing {
			b.shortCircuited++
			return fmt.Errorf("%s: %w (probe in flight)", b.name, types.ErrCircuitOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.consecutiveFailures = 0
	b.probing = false
	if b.state != StateClosed {
		b.logger.Info("breaker closed, dependency recovered")
	}
	b.state = StateClosed
	b.openedAt = time.Time{}
}

// RecordFailure records a failed call and opens the breaker once the
// consecutive-failure threshold is reached. A failed half-open probe re-opens
// immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.totalFailures++
	b.consecutiveFailures++
	if err != nil {
		b.lastError = err.Error()
	}

	if b.state == StateHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.logger.Warn("breaker opened",
				"consecutive_failures", b.consecutiveFailures,
				"cooldown", b.cfg.Cooldown,
				"error", err,
			)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
	b.probing = false
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Status returns a copy of the breaker's counters.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		ShortCircuited:      b.shortCircuited,
		LastError:           b.lastError,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.probing = false
	b.logger.Info("breaker manually reset")
}

// Do runs fn through breaker b. Failed attempts are retried with bounded
// exponential backoff; an open breaker, a cancelled context, or an error
// marked with backoff.Permanent are not retried. The breaker records one
// success or failure per Do call, not per attempt.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.BaseBackoff
	policy.MaxInterval = b.cfg.MaxBackoff

	attempt := 0
	op := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		if attempt > 1 {
			b.logger.Debug("dependency call retry failed", "attempt", attempt, "error", err)
		}
		return zero, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.cfg.MaxRetries+1)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		b.RecordFailure(err)
		return zero, err
	}
	b.RecordSuccess()
	return res, nil
}

// Call is Do for functions without a result.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Registry holds one independent breaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "breaker"),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, r.cfg, r.logger, r.now)
	r.breakers[name] = b
	return b
}

// Snapshot returns the status of every breaker, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the names of breakers currently failing fast.
func (r *Registry) Open() []string {
	var open []string
	for _, s := range r.Snapshot() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}

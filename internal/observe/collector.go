package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/types"
)

// ErrEmptyPayload is returned for an observation that carries no values.
var ErrEmptyPayload = errors.New("empty payload")

// Gap records a provider that produced nothing this cycle.
type Gap struct {
	SourceID string
	Err      error
}

// Collection is the result of one collection stage.
type Collection struct {
	CollectedAt  time.Time
	Observations []types.Observation
	Gaps         []Gap
	// Degraded is set when no provider answered; Observations then hold the
	// last known value of each source, marked stale.
	Degraded bool
	Err      error
}

// BySource returns the observation for source, if any.
func (c Collection) BySource(source string) (types.Observation, bool) {
	for _, o := range c.Observations {
		if o.SourceID == source {
			return o, true
		}
	}
	return types.Observation{}, false
}

// Fresh reports how many observations came from a live provider this cycle.
func (c Collection) Fresh() int {
	n := 0
	for _, o := range c.Observations {
		if !o.Stale {
			n++
		}
	}
	return n
}

// Collector fans out to every provider concurrently.
type Collector struct {
	providers []Provider
	history   *History
	breakers  *breaker.Registry
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// Provider calls still running, including ones abandoned at their
	// deadline. Drain waits for them.
	inflight sync.WaitGroup
}

// NewCollector creates a collector. Each provider call is bounded by timeout
// and guarded by the breaker named "provider:<id>".
func NewCollector(providers []Provider, history *History, breakers *breaker.Registry, timeout time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), logger)
	}
	if history == nil {
		history = NewHistory(64)
	}
	return &Collector{
		providers: providers,
		history:   history,
		breakers:  breakers,
		timeout:   timeout,
		logger:    logger.With("component", "collector"),
		now:       time.Now,
	}
}

// History returns the collector's observation history.
func (c *Collector) History() *History { return c.history }

// Providers returns the configured providers.
func (c *Collector) Providers() []Provider { return c.providers }

// Provider returns the provider with the given ID.
func (c *Collector) Provider(id string) (Provider, bool) {
	for _, p := range c.providers {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

type fetchResult struct {
	obs types.Observation
	err error
}

// Collect queries all providers and returns once each has answered or timed
// out. A failing provider becomes a Gap; it never fails the stage.
func (c *Collector) Collect(ctx context.Context) Collection {
	start := c.now()
	results := make([]fetchResult, len(c.providers))

	var g errgroup.Group
	for i, p := range c.providers {
		g.Go(func() error {
			results[i] = c.fetch(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	col := Collection{CollectedAt: start}
	for i, p := range c.providers {
		r := results[i]
		if r.err != nil {
			perr := &types.ProviderError{SourceID: p.ID(), Err: r.err}
			col.Gaps = append(col.Gaps, Gap{SourceID: p.ID(), Err: perr})
			c.logger.Warn("provider failed", "source", p.ID(), "error", r.err)
			continue
		}
		c.history.Append(r.obs)
		col.Observations = append(col.Observations, r.obs)
	}

	if len(col.Observations) == 0 {
		col.Degraded = true
		col.Err = types.ErrAllProvidersDown
		for _, p := range c.providers {
			if last, ok := c.history.Latest(p.ID()); ok {
				last.Stale = true
				col.Observations = append(col.Observations, last)
			}
		}
		c.logger.Error("all providers down, using last known observations",
			"providers", len(c.providers),
			"stale", len(col.Observations),
		)
	}

	c.logger.Debug("collection complete",
		"observations", len(col.Observations),
		"gaps", len(col.Gaps),
		"elapsed", c.now().Sub(start),
	)
	return col
}

// Fetch queries a single provider under the collector's timeout and breaker.
// The result is not added to the history.
func (c *Collector) Fetch(ctx context.Context, id string) (types.Observation, error) {
	p, ok := c.Provider(id)
	if !ok {
		return types.Observation{}, fmt.Errorf("unknown provider %q", id)
	}
	r := c.fetch(ctx, p)
	if r.err != nil {
		return types.Observation{}, &types.ProviderError{SourceID: id, Err: r.err}
	}
	return r.obs, nil
}

// Drain waits until every provider call has returned, including calls
// abandoned at their deadline, so none outlives the cycle that made it.
func (c *Collector) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("provider calls still running: %w", ctx.Err())
	}
}

func (c *Collector) fetch(ctx context.Context, p Provider) fetchResult {
	pctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// The provider runs in its own goroutine so a provider that ignores its
	// deadline cannot hold the stage past the timeout.
	done := make(chan fetchResult, 1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		obs, err := breaker.Do(pctx, c.breakers.Get("provider:"+p.ID()), p.Fetch)
		done <- fetchResult{obs: obs, err: err}
	}()

	var r fetchResult
	select {
	case r = <-done:
	case <-pctx.Done():
		r = fetchResult{err: pctx.Err()}
		c.logger.Warn("provider did not return by its deadline", "source", p.ID(), "error", r.err)
	}
	if r.err != nil {
		return r
	}
	if len(r.obs.Payload) == 0 {
		return fetchResult{err: ErrEmptyPayload}
	}

	r.obs.SourceID = p.ID()
	if r.obs.ID == "" {
		r.obs.ID = uuid.New().String()
	}
	if r.obs.Timestamp.IsZero() {
		r.obs.Timestamp = c.now()
	}
	r.obs.Stale = false
	return r
}

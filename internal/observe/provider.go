// Package observe gathers health signals from data providers each cycle and
// keeps a bounded per-source history of what was seen.
package observe

import (
	"context"
	"maps"
	"time"

	"github.com/clawinfra/opsloop/internal/types"
)

// Provider fetches one observation from a data source. Fetch must honor the
// deadline carried by ctx.
type Provider interface {
	ID() string
	Fetch(ctx context.Context) (types.Observation, error)
}

// StaticProvider always returns the same payload. Useful for embedding and tests.
type StaticProvider struct {
	SourceID string
	Kind     string
	Payload  map[string]float64
	Labels   map[string]string
}

func (p *StaticProvider) ID() string { return p.SourceID }

func (p *StaticProvider) Fetch(ctx context.Context) (types.Observation, error) {
	if err := ctx.Err(); err != nil {
		return types.Observation{}, err
	}
	return types.Observation{
		SourceID:  p.SourceID,
		Kind:      p.Kind,
		Timestamp: time.Now(),
		Payload:   maps.Clone(p.Payload),
		Labels:    maps.Clone(p.Labels),
	}, nil
}

// FuncProvider adapts a function to the Provider interface.
type FuncProvider struct {
	SourceID string
	Fn       func(ctx context.Context) (types.Observation, error)
}

func (p *FuncProvider) ID() string { return p.SourceID }

func (p *FuncProvider) Fetch(ctx context.Context) (types.Observation, error) {
	return p.Fn(ctx)
}

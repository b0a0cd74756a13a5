package observe

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
)

// Build creates the provider described by cfg.
func Build(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "prometheus":
		if len(cfg.Queries) == 0 {
			return nil, fmt.Errorf("provider %s: prometheus needs at least one query", cfg.ID)
		}
		return NewPrometheusProvider(cfg.ID, cfg.URL, cfg.Token, cfg.Queries, cfg.Labels)
	case "loki":
		if len(cfg.Queries) == 0 {
			return nil, fmt.Errorf("provider %s: loki needs at least one query", cfg.ID)
		}
		window := time.Duration(cfg.WindowSec) * time.Second
		return NewLokiProvider(cfg.ID, cfg.URL, cfg.Token, window, cfg.Queries, cfg.Labels), nil
	case "influx":
		if len(cfg.Queries) == 0 {
			return nil, fmt.Errorf("provider %s: influx needs at least one query", cfg.ID)
		}
		return NewInfluxProvider(cfg.ID, cfg.URL, cfg.Token, cfg.Org, cfg.Queries, cfg.Labels), nil
	case "http":
		return NewHTTPProbe(cfg.ID, cfg.URL, cfg.Labels, nil), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// BuildAll creates every configured provider.
func BuildAll(cfgs []config.ProviderConfig) ([]Provider, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := Build(c)
		if err != nil {
			_ = CloseAll(providers)
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// CloseAll closes every provider holding resources.
func CloseAll(providers []Provider) error {
	var errs []error
	for _, p := range providers {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

package observe

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/clawinfra/opsloop/internal/types"
)

// InfluxProvider runs Flux queries and keeps the last value of each result.
type InfluxProvider struct {
	id      string
	client  influxdb2.Client
	query   api.QueryAPI
	queries map[string]string
	labels  map[string]string
}

// NewInfluxProvider creates an InfluxDB 2.x provider.
func NewInfluxProvider(id, url, token, org string, queries, labels map[string]string) *InfluxProvider {
	client := influxdb2.NewClient(url, token)
	return &InfluxProvider{
		id:      id,
		client:  client,
		query:   client.QueryAPI(org),
		queries: queries,
		labels:  labels,
	}
}

func (p *InfluxProvider) ID() string { return p.id }

func (p *InfluxProvider) Fetch(ctx context.Context) (types.Observation, error) {
	payload := make(map[string]float64, len(p.queries))
	for _, key := range slices.Sorted(maps.Keys(p.queries)) {
		v, ok, err := p.last(ctx, p.queries[key])
		if err != nil {
			return types.Observation{}, fmt.Errorf("query %s: %w", key, err)
		}
		if ok {
			payload[key] = v
		}
	}
	return types.Observation{
		SourceID:  p.id,
		Kind:      "metrics",
		Timestamp: time.Now(),
		Payload:   payload,
		Labels:    maps.Clone(p.labels),
	}, nil
}

func (p *InfluxProvider) last(ctx context.Context, flux string) (float64, bool, error) {
	result, err := p.query.Query(ctx, flux)
	if err != nil {
		return 0, false, fmt.Errorf("influx query failed: %w", err)
	}
	defer result.Close()

	var (
		last  float64
		found bool
	)
	for result.Next() {
		if f, ok := toFloat(result.Record().Value()); ok {
			last, found = f, true
		}
	}
	if err := result.Err(); err != nil {
		return 0, false, fmt.Errorf("influx result: %w", err)
	}
	return last, found, nil
}

// Close releases the underlying client.
func (p *InfluxProvider) Close() error {
	p.client.Close()
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

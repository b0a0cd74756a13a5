package observe

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/clawinfra/opsloop/internal/types"
)

// PrometheusProvider evaluates instant PromQL queries. Each query fills the
// payload key it is configured under.
type PrometheusProvider struct {
	id      string
	api     promv1.API
	queries map[string]string
	labels  map[string]string
}

// NewPrometheusProvider creates a provider against the Prometheus HTTP API at url.
func NewPrometheusProvider(id, url, token string, queries, labels map[string]string) (*PrometheusProvider, error) {
	var rt http.RoundTripper = api.DefaultRoundTripper
	if token != "" {
		rt = &bearerTransport{token: token, next: rt}
	}
	client, err := api.NewClient(api.Config{Address: url, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("prometheus client %s: %w", id, err)
	}
	return &PrometheusProvider{
		id:      id,
		api:     promv1.NewAPI(client),
		queries: queries,
		labels:  labels,
	}, nil
}

func (p *PrometheusProvider) ID() string { return p.id }

func (p *PrometheusProvider) Fetch(ctx context.Context) (types.Observation, error) {
	now := time.Now()
	payload := make(map[string]float64, len(p.queries))
	for _, key := range slices.Sorted(maps.Keys(p.queries)) {
		val, _, err := p.api.Query(ctx, p.queries[key], now)
		if err != nil {
			return types.Observation{}, fmt.Errorf("query %s: %w", key, err)
		}
		f, ok, err := sampleValue(val)
		if err != nil {
			return types.Observation{}, fmt.Errorf("query %s: %w", key, err)
		}
		if ok {
			payload[key] = f
		}
	}
	return types.Observation{
		SourceID:  p.id,
		Kind:      "metrics",
		Timestamp: now,
		Payload:   payload,
		Labels:    maps.Clone(p.labels),
	}, nil
}

// sampleValue reduces a query result to one number. Vectors are expected to
// be aggregated by the query; the first sample wins.
func sampleValue(v model.Value) (float64, bool, error) {
	switch r := v.(type) {
	case model.Vector:
		if len(r) == 0 {
			return 0, false, nil
		}
		return float64(r[0].Value), true, nil
	case *model.Scalar:
		return float64(r.Value), true, nil
	default:
		return 0, false, fmt.Errorf("unsupported result type %s", v.Type())
	}
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}

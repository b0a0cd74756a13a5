package observe

import (
	"context"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/clawinfra/opsloop/internal/types"
)

// HTTPProbe checks a health endpoint. A refused connection or non-2xx status
// is a valid reading (up=0), not a provider failure; only a cancelled or
// expired context fails the fetch. A deployment whose providers are all
// probes therefore reports an unreachable service as down, never as a
// degraded cycle.
type HTTPProbe struct {
	id     string
	url    string
	labels map[string]string
	client *http.Client
}

// NewHTTPProbe creates a probe for url. A nil client uses http.DefaultClient.
func NewHTTPProbe(id, url string, labels map[string]string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{id: id, url: url, labels: labels, client: client}
}

func (p *HTTPProbe) ID() string { return p.id }

func (p *HTTPProbe) Fetch(ctx context.Context) (types.Observation, error) {
	start := time.Now()
	payload := map[string]float64{"up": 0, "status_code": 0}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return types.Observation{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.Observation{}, ctx.Err()
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		payload["status_code"] = float64(resp.StatusCode)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			payload["up"] = 1
		}
	}
	payload["latency_ms"] = float64(time.Since(start).Milliseconds())

	return types.Observation{
		SourceID:  p.id,
		Kind:      "health",
		Timestamp: start,
		Payload:   payload,
		Labels:    maps.Clone(p.labels),
	}, nil
}

package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/clawinfra/opsloop/internal/types"
)

// LokiProvider counts log lines matching LogQL selectors over a look-back
// window using Loki's instant query endpoint.
type LokiProvider struct {
	id      string
	baseURL string
	token   string
	window  time.Duration
	queries map[string]string
	labels  map[string]string
	client  *http.Client
}

// NewLokiProvider creates a Loki provider. Each query is a stream selector
// with optional line filters, e.g. {app="api"} |= "error".
func NewLokiProvider(id, baseURL, token string, window time.Duration, queries, labels map[string]string) *LokiProvider {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &LokiProvider{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		window:  window,
		queries: queries,
		labels:  labels,
		client:  &http.Client{},
	}
}

func (p *LokiProvider) ID() string { return p.id }

func (p *LokiProvider) Fetch(ctx context.Context) (types.Observation, error) {
	now := time.Now()
	payload := make(map[string]float64, len(p.queries))
	for _, key := range slices.Sorted(maps.Keys(p.queries)) {
		n, err := p.count(ctx, p.logQL(p.queries[key]), now)
		if err != nil {
			return types.Observation{}, fmt.Errorf("query %s: %w", key, err)
		}
		payload[key] = n
	}
	return types.Observation{
		SourceID:  p.id,
		Kind:      "logs",
		Timestamp: now,
		Payload:   payload,
		Labels:    maps.Clone(p.labels),
	}, nil
}

// logQL wraps a selector in a windowed count unless it is already a metric query.
func (p *LokiProvider) logQL(selector string) string {
	if strings.Contains(selector, "count_over_time") || strings.Contains(selector, "rate(") {
		return selector
	}
	return fmt.Sprintf("sum(count_over_time(%s[%ds]))", selector, int(p.window.Seconds()))
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

func (p *LokiProvider) count(ctx context.Context, query string, at time.Time) (float64, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("time", fmt.Sprintf("%d", at.UnixNano()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/loki/api/v1/query?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("loki status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if lr.Status != "success" {
		return 0, fmt.Errorf("loki query failed: %s", lr.Error)
	}

	switch lr.Data.ResultType {
	case "vector":
		var vec model.Vector
		if err := json.Unmarshal(lr.Data.Result, &vec); err != nil {
			return 0, fmt.Errorf("decode vector: %w", err)
		}
		var total float64
		for _, s := range vec {
			total += float64(s.Value)
		}
		return total, nil
	case "scalar":
		var sc model.Scalar
		if err := json.Unmarshal(lr.Data.Result, &sc); err != nil {
			return 0, fmt.Errorf("decode scalar: %w", err)
		}
		return float64(sc.Value), nil
	default:
		return 0, fmt.Errorf("unsupported result type %q", lr.Data.ResultType)
	}
}

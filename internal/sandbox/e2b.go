package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

const (
	// DefaultE2BBaseURL is the E2B API endpoint.
	DefaultE2BBaseURL = "https://api.e2b.dev"

	// DefaultSandboxTimeoutSec bounds a trial VM's lifetime in case teardown
	// never reaches the API.
	DefaultSandboxTimeoutSec = 300
)

// E2BBackend runs each trial in a dedicated E2B microVM.
type E2BBackend struct {
	apiKey     string
	baseURL    string
	templateID string
	timeoutSec int
	cmds       Commands
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	actions map[string]types.Action // by sandbox ID
}

// NewE2BBackend creates an E2B backend.
func NewE2BBackend(cfg config.E2BConfig, cmds Commands, logger *slog.Logger) *E2BBackend {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultE2BBaseURL
	}
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = DefaultSandboxTimeoutSec
	}
	return &E2BBackend{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		templateID: cfg.TemplateID,
		timeoutSec: timeout,
		cmds:       cmds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "sandbox", "backend", "e2b"),
		actions:    make(map[string]types.Action),
	}
}

func (b *E2BBackend) Name() string { return "e2b" }

// Isolated is true: every trial gets its own VM.
func (b *E2BBackend) Isolated() bool { return true }

type e2bCreateRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type e2bSandboxResponse struct {
	SandboxID  string `json:"sandboxID"`
	TemplateID string `json:"templateID"`
	ClientID   string `json:"clientID"`
	StartedAt  string `json:"startedAt"`
}

type e2bProcessRequest struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"envVars,omitempty"`
}

type e2bProcessResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type e2bErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *E2BBackend) Provision(ctx context.Context, action types.Action) (*Env, error) {
	if b.templateID == "" {
		return nil, fmt.Errorf("e2b template id is required")
	}
	body, err := json.Marshal(e2bCreateRequest{
		TemplateID: b.templateID,
		Timeout:    b.timeoutSec,
		Metadata: map[string]string{
			"opsloop_action_id":   action.ID,
			"opsloop_action_type": string(action.Type),
		},
		EnvVars: ActionEnv(action),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var created e2bSandboxResponse
	if err := b.do(ctx, http.MethodPost, "/sandboxes", body, &created, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	startedAt, _ := time.Parse(time.RFC3339, created.StartedAt)
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	env := &Env{ID: created.SandboxID, ActionID: action.ID, Backend: b.Name(), CreatedAt: startedAt}

	b.mu.Lock()
	b.actions[env.ID] = action
	b.mu.Unlock()

	if b.cmds.Setup != "" {
		res, err := b.process(ctx, env, action, b.cmds.Setup)
		if err != nil {
			return env, fmt.Errorf("setup: %w", err)
		}
		if res.ExitCode != 0 {
			return env, fmt.Errorf("setup exited %d: %s", res.ExitCode, tail(res.Stderr, 512))
		}
	}
	b.logger.Debug("trial provisioned", "sandbox", env.ID, "action", action.ID)
	return env, nil
}

func (b *E2BBackend) Apply(ctx context.Context, env *Env, action types.Action) error {
	cmd := b.cmds.applyFor(action.Type)
	if cmd == "" {
		return nil
	}
	res, err := b.process(ctx, env, action, cmd)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("apply exited %d: %s", res.ExitCode, tail(res.Stderr, 512))
	}
	return nil
}

func (b *E2BBackend) RunTests(ctx context.Context, env *Env) (types.TestReport, error) {
	if b.cmds.Test == "" {
		return types.TestReport{Passed: true}, nil
	}
	b.mu.Lock()
	action := b.actions[env.ID]
	b.mu.Unlock()

	res, err := b.process(ctx, env, action, b.cmds.Test)
	if err != nil {
		return types.TestReport{}, fmt.Errorf("test: %w", err)
	}
	report := ParseReport(res.ExitCode, res.Stdout)
	if res.Stderr != "" {
		report.Output = tail(report.Output+"\n"+res.Stderr, 8<<10)
	}
	return report, nil
}

func (b *E2BBackend) Teardown(ctx context.Context, env *Env) error {
	if env == nil || env.ID == "" {
		return nil
	}
	b.mu.Lock()
	delete(b.actions, env.ID)
	b.mu.Unlock()

	if err := b.do(ctx, http.MethodDelete, "/sandboxes/"+env.ID, nil, nil, http.StatusOK, http.StatusNoContent); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", env.ID, err)
	}
	b.logger.Debug("trial torn down", "sandbox", env.ID)
	return nil
}

func (b *E2BBackend) process(ctx context.Context, env *Env, action types.Action, command string) (*e2bProcessResponse, error) {
	body, err := json.Marshal(e2bProcessRequest{
		Cmd:  "sh",
		Args: []string{"-c", command},
		Env:  ActionEnv(action),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var res e2bProcessResponse
	if err := b.do(ctx, http.MethodPost, "/sandboxes/"+env.ID+"/process", body, &res, http.StatusOK); err != nil {
		return nil, err
	}
	return &res, nil
}

// do sends one API request and decodes the response into out when non-nil.
func (b *E2BBackend) do(ctx context.Context, method, path string, body []byte, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("e2b api call: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, s := range okStatus {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError extracts an error message from an E2B API error response.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var e2bErr e2bErrorResponse
	if err := json.Unmarshal(body, &e2bErr); err == nil && e2bErr.Message != "" {
		return fmt.Errorf("e2b api error (HTTP %d): %s", resp.StatusCode, e2bErr.Message)
	}
	return fmt.Errorf("e2b api error (HTTP %d): %s", resp.StatusCode, string(body))
}

package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/sandbox"
	"github.com/clawinfra/opsloop/internal/types"
)

// NoRollback is the rollback procedure name meaning nothing can be undone.
const NoRollback = "none"

// ErrNoProcedure is returned when a target has nothing configured for an
// action type or rollback procedure.
var ErrNoProcedure = errors.New("no procedure configured")

// Target applies actions to the real system.
type Target interface {
	Name() string
	Apply(ctx context.Context, action types.Action) error
	// Rollback runs the action's declared rollback procedure.
	Rollback(ctx context.Context, action types.Action) error
}

// HasRollback reports whether action declares a rollback procedure.
func HasRollback(action types.Action) bool {
	return action.Rollback != "" && action.Rollback != NoRollback
}

// NewTarget builds the target selected by cfg.
func NewTarget(cfg config.ExecutorConfig, logger *slog.Logger) (Target, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	switch cfg.Target {
	case "shell":
		return NewShellTarget(cfg.Commands, cfg.RollbackCommands, timeout, logger), nil
	case "http":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("executor.webhookUrl is required for the http target")
		}
		return NewHTTPTarget(cfg.WebhookURL, timeout, logger), nil
	case "noop", "":
		return &RecordingTarget{}, nil
	default:
		return nil, fmt.Errorf("unknown executor target %q", cfg.Target)
	}
}

// ShellTarget runs a configured shell command per action type. The action
// is described to the command through OPSLOOP_* environment variables.
type ShellTarget struct {
	commands         map[string]string
	rollbackCommands map[string]string
	timeout          time.Duration
	logger           *slog.Logger
}

// NewShellTarget creates a shell target. Rollback commands are looked up by
// the action's rollback procedure name, then by action type.
func NewShellTarget(commands, rollbackCommands map[string]string, timeout time.Duration, logger *slog.Logger) *ShellTarget {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTarget{
		commands:         commands,
		rollbackCommands: rollbackCommands,
		timeout:          timeout,
		logger:           logger.With("component", "executor", "target", "shell"),
	}
}

func (t *ShellTarget) Name() string { return "shell" }

func (t *ShellTarget) Apply(ctx context.Context, action types.Action) error {
	cmd, ok := t.commands[string(action.Type)]
	if !ok {
		cmd, ok = t.commands["default"]
	}
	if !ok {
		return fmt.Errorf("%s: %w", action.Type, ErrNoProcedure)
	}
	return t.run(ctx, action, cmd)
}

func (t *ShellTarget) Rollback(ctx context.Context, action types.Action) error {
	cmd, ok := t.rollbackCommands[action.Rollback]
	if !ok {
		cmd, ok = t.rollbackCommands[string(action.Type)]
	}
	if !ok {
		return fmt.Errorf("rollback %q: %w", action.Rollback, ErrNoProcedure)
	}
	return t.run(ctx, action, cmd)
}

func (t *ShellTarget) run(ctx context.Context, action types.Action, command string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Debug("running command", "action", action.ID, "command", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), sandbox.EnvList(sandbox.ActionEnv(action))...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

// HTTPTarget posts each action to an operations webhook which applies it.
type HTTPTarget struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// WebhookRequest is the body HTTPTarget posts.
type WebhookRequest struct {
	Phase  string       `json:"phase"` // "apply" or "rollback"
	Action types.Action `json:"action"`
}

// NewHTTPTarget creates a webhook target.
func NewHTTPTarget(url string, timeout time.Duration, logger *slog.Logger) *HTTPTarget {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTarget{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "executor", "target", "http"),
	}
}

func (t *HTTPTarget) Name() string { return "http" }

func (t *HTTPTarget) Apply(ctx context.Context, action types.Action) error {
	return t.post(ctx, "apply", action)
}

func (t *HTTPTarget) Rollback(ctx context.Context, action types.Action) error {
	return t.post(ctx, "rollback", action)
}

func (t *HTTPTarget) post(ctx context.Context, phase string, action types.Action) error {
	body, err := json.Marshal(WebhookRequest{Phase: phase, Action: action})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", phase, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s webhook returned %d: %s", phase, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// RecordingTarget records calls without touching anything. With no errors
// configured it is the "noop" target.
type RecordingTarget struct {
	ApplyErr    error
	RollbackErr error

	mu         sync.Mutex
	applied    []types.Action
	rolledBack []types.Action
}

func (t *RecordingTarget) Name() string { return "noop" }

func (t *RecordingTarget) Apply(ctx context.Context, action types.Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, action)
	return t.ApplyErr
}

func (t *RecordingTarget) Rollback(ctx context.Context, action types.Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = append(t.rolledBack, action)
	return t.RollbackErr
}

// Applied returns the actions applied so far.
func (t *RecordingTarget) Applied() []types.Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Action(nil), t.applied...)
}

// RolledBack returns the actions rolled back so far.
func (t *RecordingTarget) RolledBack() []types.Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Action(nil), t.rolledBack...)
}

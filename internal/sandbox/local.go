package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/clawinfra/opsloop/internal/types"
)

// LocalBackend runs every trial in its own temporary directory. Commands run
// through sh -c with the trial directory as working directory.
type LocalBackend struct {
	baseDir string
	cmds    Commands
	logger  *slog.Logger
}

// NewLocalBackend creates a local backend. An empty baseDir uses the system
// temporary directory.
func NewLocalBackend(baseDir string, cmds Commands, logger *slog.Logger) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		baseDir: baseDir,
		cmds:    cmds,
		logger:  logger.With("component", "sandbox", "backend", "local"),
	}
}

func (b *LocalBackend) Name() string { return "local" }

// Isolated is true: each trial owns a private directory. Setup and test
// commands that reach outside it are the operator's responsibility.
func (b *LocalBackend) Isolated() bool { return true }

func (b *LocalBackend) Provision(ctx context.Context, action types.Action) (*Env, error) {
	if b.baseDir != "" {
		if err := os.MkdirAll(b.baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(b.baseDir, "trial-")
	if err != nil {
		return nil, fmt.Errorf("create trial dir: %w", err)
	}
	env := &Env{
		ID:        filepath.Base(dir),
		ActionID:  action.ID,
		Backend:   b.Name(),
		Dir:       dir,
		CreatedAt: time.Now(),
	}

	data, err := json.MarshalIndent(action, "", "  ")
	if err != nil {
		return env, fmt.Errorf("marshal action: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "action.json"), data, 0o640); err != nil {
		return env, fmt.Errorf("write action: %w", err)
	}

	if b.cmds.Setup != "" {
		code, out, err := b.run(ctx, env, action, b.cmds.Setup)
		if err != nil {
			return env, fmt.Errorf("setup: %w", err)
		}
		if code != 0 {
			return env, fmt.Errorf("setup exited %d: %s", code, tail(out, 512))
		}
	}
	b.logger.Debug("trial provisioned", "env", env.ID, "action", action.ID)
	return env, nil
}

func (b *LocalBackend) Apply(ctx context.Context, env *Env, action types.Action) error {
	cmd := b.cmds.applyFor(action.Type)
	if cmd == "" {
		// Nothing to simulate; record the dry run in the workspace.
		return os.WriteFile(filepath.Join(env.Dir, "applied"), []byte(string(action.Type)+"\n"), 0o640)
	}
	code, out, err := b.run(ctx, env, action, cmd)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("apply exited %d: %s", code, tail(out, 512))
	}
	return nil
}

func (b *LocalBackend) RunTests(ctx context.Context, env *Env) (types.TestReport, error) {
	if b.cmds.Test == "" {
		return types.TestReport{Passed: true}, nil
	}
	action, err := readAction(env)
	if err != nil {
		return types.TestReport{}, err
	}
	code, out, err := b.run(ctx, env, action, b.cmds.Test)
	if err != nil {
		return types.TestReport{}, fmt.Errorf("test: %w", err)
	}
	return ParseReport(code, out), nil
}

func (b *LocalBackend) Teardown(ctx context.Context, env *Env) error {
	if env == nil || env.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(env.Dir); err != nil {
		return fmt.Errorf("remove trial dir: %w", err)
	}
	b.logger.Debug("trial torn down", "env", env.ID)
	return nil
}

// run executes command and returns its exit code and combined output. A
// non-zero exit is not an error; failing to start or a cancelled context is.
func (b *LocalBackend) run(ctx context.Context, env *Env, action types.Action, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = env.Dir
	vars := ActionEnv(action)
	vars["OPSLOOP_TRIAL_DIR"] = env.Dir
	cmd.Env = append(os.Environ(), EnvList(vars)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, out.String(), ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.String(), nil
	}
	if err != nil {
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}

func readAction(env *Env) (types.Action, error) {
	var action types.Action
	data, err := os.ReadFile(filepath.Join(env.Dir, "action.json"))
	if err != nil {
		return action, fmt.Errorf("read action: %w", err)
	}
	if err := json.Unmarshal(data, &action); err != nil {
		return action, fmt.Errorf("decode action: %w", err)
	}
	return action, nil
}

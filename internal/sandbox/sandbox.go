// Package sandbox provides trial environments in which a proposed action is
// applied and tested before it may touch the real target.
//
// The validator depends only on the four-call Backend contract. Two backends
// exist: LocalBackend (a private temporary workspace per trial, commands run
// as subprocesses) and E2BBackend (one Firecracker microVM per trial through
// the E2B REST API).
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

// Env is a provisioned trial environment.
type Env struct {
	ID        string
	ActionID  string
	Backend   string
	Dir       string // local workspace, empty for remote backends
	CreatedAt time.Time
}

// Backend manages trial environments.
//
// Provision may return a non-nil Env together with an error when setup failed
// after resources were acquired; the caller must still Teardown that Env.
type Backend interface {
	Name() string
	// Isolated reports whether concurrent trials cannot observe each other.
	Isolated() bool
	Provision(ctx context.Context, action types.Action) (*Env, error)
	Apply(ctx context.Context, env *Env, action types.Action) error
	RunTests(ctx context.Context, env *Env) (types.TestReport, error)
	Teardown(ctx context.Context, env *Env) error
}

// Commands are the shell commands a backend runs inside a trial.
type Commands struct {
	Setup string
	// Apply commands by action type; "default" applies to any other type.
	Apply map[string]string
	Test  string
}

func (c Commands) applyFor(t types.ActionType) string {
	if cmd, ok := c.Apply[string(t)]; ok {
		return cmd
	}
	return c.Apply["default"]
}

// New builds the backend selected by cfg.
func New(cfg config.ValidatorConfig, logger *slog.Logger) (Backend, error) {
	cmds := Commands{Setup: cfg.SetupCommand, Apply: cfg.ApplyCommands, Test: cfg.TestCommand}
	switch cfg.Backend {
	case "local", "":
		return NewLocalBackend(cfg.WorkDir, cmds, logger), nil
	case "e2b":
		return NewE2BBackend(cfg.E2B, cmds, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

// ActionEnv returns the OPSLOOP_* environment variables describing action.
func ActionEnv(action types.Action) map[string]string {
	env := map[string]string{
		"OPSLOOP_ACTION_ID":   action.ID,
		"OPSLOOP_ACTION_TYPE": string(action.Type),
		"OPSLOOP_TARGET":      action.Target,
		"OPSLOOP_RISK":        action.Risk.String(),
	}
	for k, v := range action.Parameters {
		env["OPSLOOP_PARAM_"+strings.ToUpper(k)] = v
	}
	return env
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// reportLine is the optional machine-readable summary a test command may
// print as its last line of output.
type reportLine struct {
	Cases    []types.TestCase   `json:"cases"`
	Baseline map[string]float64 `json:"baseline"`
	Trial    map[string]float64 `json:"trial"`
}

// ParseReport builds a TestReport from a finished test command. The suite
// passes when it exits 0. When the last non-empty output line is a JSON
// object with cases, baseline or trial metrics, those are attached.
func ParseReport(exitCode int, output string) types.TestReport {
	report := types.TestReport{
		Passed:   exitCode == 0,
		ExitCode: exitCode,
		Output:   tail(output, 8<<10),
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return report
	}
	var rl reportLine
	if err := json.Unmarshal([]byte(last), &rl); err != nil {
		return report
	}
	report.Cases = rl.Cases
	report.Baseline = rl.Baseline
	report.Trial = rl.Trial
	return report
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

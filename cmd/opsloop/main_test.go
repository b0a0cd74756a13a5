package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/execute"
	"github.com/clawinfra/opsloop/internal/learn"
	"github.com/clawinfra/opsloop/internal/ledger"
	"github.com/clawinfra/opsloop/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeConfig saves cfg under a temp dir whose data dir is also temporary.
func writeConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "opsloop.json")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	return path, cfg
}

func execCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestLoadConfig_NewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "opsloop.json")

	cfg, err := loadConfig(configPath, testLogger())
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Loop.IntervalSec != 60 {
		t.Errorf("expected default interval, got %d", cfg.Loop.IntervalSec)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	os.RemoveAll(cfg.Server.DataDir)
}

func TestVersion(t *testing.T) {
	code, out, _ := execCLI("version")
	if code != 0 || !strings.Contains(out, "opsloop v"+version) {
		t.Errorf("version: code=%d out=%q", code, out)
	}
}

func TestValidateConfig(t *testing.T) {
	path, _ := writeConfig(t, func(c *config.Config) {
		c.Loop.Schedule = "*/5 * * * *"
		c.Collector.Providers = []config.ProviderConfig{{ID: "api", Kind: "http", URL: "http://127.0.0.1:1/health"}}
	})
	code, out, errOut := execCLI("validate-config", "--config", path)
	if code != 0 {
		t.Fatalf("validate-config failed: %s", errOut)
	}
	for _, want := range []string{"is valid", "providers:   1", "cron */5 * * * *"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"planner":{"actionCap":50}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, errOut = execCLI("validate-config", "-c", bad)
	if code != 1 || !strings.Contains(errOut, "invalid config") {
		t.Errorf("bad config: code=%d stderr=%q", code, errOut)
	}
}

func TestOnceRunsOneCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path, cfg := writeConfig(t, func(c *config.Config) {
		c.Collector.Providers = []config.ProviderConfig{{ID: "api", Kind: "http", URL: srv.URL + "/health"}}
		c.Learning.Persist = true
	})

	code, out, errOut := execCLI("once", "--json", "--config", path)
	if code != 0 {
		t.Fatalf("once failed: %s", errOut)
	}
	var entry ledger.Entry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if entry.CycleID == "" || entry.Degraded || len(entry.Issues) != 0 || entry.HealthScore != 1 {
		t.Errorf("entry = %+v", entry)
	}

	logged, err := ledger.ReadLast(filepath.Join(cfg.Server.DataDir, "ledger", ledger.FileName), 0)
	if err != nil || len(logged) != 1 || logged[0].CycleID != entry.CycleID {
		t.Errorf("ledger = %+v (%v)", logged, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Server.DataDir, "confidence.db")); err != nil {
		t.Errorf("confidence database not created: %v", err)
	}
}

func TestOnceWithoutProvidersIsDegraded(t *testing.T) {
	path, _ := writeConfig(t, nil)
	code, out, errOut := execCLI("once", "--config", path)
	if code != 0 {
		t.Fatalf("a degraded cycle is not an error: %s", errOut)
	}
	if !strings.Contains(out, "degraded") {
		t.Errorf("report should say degraded:\n%s", out)
	}
}

func TestApproveCommand(t *testing.T) {
	path, cfg := writeConfig(t, nil)
	q, err := execute.NewApprovals(filepath.Join(cfg.Server.DataDir, "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	action := types.Action{ID: "act-42", Type: types.ActionFailover, Target: "db-1", Risk: types.RiskCritical}
	if err := q.Queue(action, types.ValidationVerdict{ActionID: "act-42", Passed: true, SafetyOK: true}); err != nil {
		t.Fatal(err)
	}

	code, out, _ := execCLI("approve", "--list", "--config", path)
	if code != 0 || !strings.Contains(out, "act-42") || !strings.Contains(out, "critical") {
		t.Fatalf("list: code=%d out=%q", code, out)
	}

	code, out, _ = execCLI("approve", "act-42", "--config", path)
	if code != 0 || !strings.Contains(out, "Approved act-42") {
		t.Fatalf("approve: code=%d out=%q", code, out)
	}
	approved, _ := q.Approved()
	if len(approved) != 1 || approved[0].Action.ID != "act-42" || approved[0].ApprovedAt == nil {
		t.Errorf("approved = %+v", approved)
	}

	code, _, errOut := execCLI("approve", "act-42", "--config", path)
	if code != 1 || !strings.Contains(errOut, "no pending action") {
		t.Errorf("second approve: code=%d stderr=%q", code, errOut)
	}
}

func TestScoresCommand(t *testing.T) {
	path, cfg := writeConfig(t, func(c *config.Config) { c.Learning.Persist = true })

	code, out, _ := execCLI("scores", "--config", path)
	if code != 0 || !strings.Contains(out, "No confidence database") {
		t.Fatalf("empty scores: code=%d out=%q", code, out)
	}

	db, err := learn.OpenSQLite(filepath.Join(cfg.Server.DataDir, "confidence.db"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err = db.Save(context.Background(),
		[]types.ConfidenceScore{{ActionType: types.ActionRestartService, Value: 0.75, SampleCount: 4, UpdatedAt: now}},
		[]types.ActionOutcome{{ID: "o1", ActionID: "a1", ActionType: types.ActionRestartService, Executed: true, Success: true, RecordedAt: now}},
	)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	code, out, errOut := execCLI("scores", "--history", "5", "--config", path)
	if code != 0 {
		t.Fatalf("scores: %s", errOut)
	}
	for _, want := range []string{"restart_service", "0.750", "a1", "success"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScoresRequiresPersistence(t *testing.T) {
	path, _ := writeConfig(t, nil)
	code, _, errOut := execCLI("scores", "--config", path)
	if code != 1 || !strings.Contains(errOut, "learning.persist") {
		t.Errorf("code=%d stderr=%q", code, errOut)
	}
}

func TestAppApplyConfig(t *testing.T) {
	path, cfg := writeConfig(t, nil)
	app, err := setup(context.Background(), path, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close(context.Background())

	cfg.Planner.ActionCap = 1
	cfg.Safety.SafetyMode = false
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	app.reload()
	if app.Orchestrator.ActionCap() != 1 || app.Executor.SafetyMode() {
		t.Errorf("reload not applied: cap=%d safety=%v", app.Orchestrator.ActionCap(), app.Executor.SafetyMode())
	}
}

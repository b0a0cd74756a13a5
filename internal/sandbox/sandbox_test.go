package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAction() types.Action {
	return types.Action{
		ID:         "act-1",
		Type:       types.ActionScaleOut,
		Target:     "svc/api",
		Risk:       types.RiskMedium,
		Parameters: map[string]string{"delta": "2"},
	}
}

func TestParseReport(t *testing.T) {
	r := ParseReport(0, "running...\n{\"cases\":[{\"name\":\"smoke\",\"passed\":true},{\"name\":\"load\",\"passed\":false}],\"baseline\":{\"p99\":100},\"trial\":{\"p99\":105}}\n")
	if !r.Passed || r.ExitCode != 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	if len(r.Cases) != 2 || r.Baseline["p99"] != 100 || r.Trial["p99"] != 105 {
		t.Errorf("summary not attached: %+v", r)
	}
	if failed := r.FailedCases(); len(failed) != 1 || failed[0] != "load" {
		t.Errorf("FailedCases = %v", failed)
	}

	r = ParseReport(3, "boom")
	if r.Passed || r.ExitCode != 3 || r.Cases != nil {
		t.Errorf("unexpected report %+v", r)
	}
	r = ParseReport(0, "")
	if !r.Passed {
		t.Error("empty output with exit 0 passes")
	}
}

func TestLocalBackendLifecycle(t *testing.T) {
	base := t.TempDir()
	b := NewLocalBackend(base, Commands{
		Setup: "echo ready > setup.txt",
		Apply: map[string]string{"scale_out": `echo "$OPSLOOP_TARGET $OPSLOOP_PARAM_DELTA" > applied.txt`},
		Test:  `test -f applied.txt && echo '{"trial":{"replicas":2}}'`,
	}, testLogger())
	ctx := context.Background()

	env, err := b.Provision(ctx, testAction())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !strings.HasPrefix(env.Dir, base) {
		t.Errorf("trial dir %s not under %s", env.Dir, base)
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "setup.txt")); err != nil {
		t.Errorf("setup did not run: %v", err)
	}

	if err := b.Apply(ctx, env, testAction()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(env.Dir, "applied.txt"))
	if strings.TrimSpace(string(data)) != "svc/api 2" {
		t.Errorf("apply saw %q", data)
	}

	report, err := b.RunTests(ctx, env)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if !report.Passed || report.Trial["replicas"] != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	if err := b.Teardown(ctx, env); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(env.Dir); !os.IsNotExist(err) {
		t.Error("trial dir should be removed")
	}
}

func TestLocalBackendTrialsAreSeparate(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), Commands{}, testLogger())
	a1, err := b.Provision(context.Background(), testAction())
	if err != nil {
		t.Fatal(err)
	}
	a2, err := b.Provision(context.Background(), testAction())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Teardown(context.Background(), a1)
	defer b.Teardown(context.Background(), a2)
	if a1.Dir == a2.Dir {
		t.Fatal("trials share a directory")
	}
	if !b.Isolated() {
		t.Error("local backend should report isolation")
	}
}

func TestLocalBackendFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("setup failure returns partial env", func(t *testing.T) {
		b := NewLocalBackend(t.TempDir(), Commands{Setup: "exit 4"}, testLogger())
		env, err := b.Provision(ctx, testAction())
		if err == nil || !strings.Contains(err.Error(), "exited 4") {
			t.Fatalf("expected setup failure, got %v", err)
		}
		if env == nil || env.Dir == "" {
			t.Fatal("partial env must be returned for teardown")
		}
		if err := b.Teardown(ctx, env); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("apply failure", func(t *testing.T) {
		b := NewLocalBackend(t.TempDir(), Commands{Apply: map[string]string{"default": "echo nope >&2; exit 1"}}, testLogger())
		env, err := b.Provision(ctx, testAction())
		if err != nil {
			t.Fatal(err)
		}
		defer b.Teardown(ctx, env)
		if err := b.Apply(ctx, env, testAction()); err == nil || !strings.Contains(err.Error(), "nope") {
			t.Fatalf("expected apply error, got %v", err)
		}
	})

	t.Run("failing tests are a report not an error", func(t *testing.T) {
		b := NewLocalBackend(t.TempDir(), Commands{Test: "exit 2"}, testLogger())
		env, err := b.Provision(ctx, testAction())
		if err != nil {
			t.Fatal(err)
		}
		defer b.Teardown(ctx, env)
		report, err := b.RunTests(ctx, env)
		if err != nil {
			t.Fatalf("RunTests: %v", err)
		}
		if report.Passed || report.ExitCode != 2 {
			t.Errorf("unexpected report %+v", report)
		}
	})

	t.Run("cancelled test is an error", func(t *testing.T) {
		b := NewLocalBackend(t.TempDir(), Commands{Test: "sleep 5"}, testLogger())
		env, err := b.Provision(ctx, testAction())
		if err != nil {
			t.Fatal(err)
		}
		defer b.Teardown(ctx, env)
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := b.RunTests(cctx, env); err == nil {
			t.Fatal("expected error on deadline")
		}
	})
}

type fakeE2B struct {
	mu        sync.Mutex
	created   []e2bCreateRequest
	processes []e2bProcessRequest
	killed    []string
}

func newFakeE2B(t *testing.T, testExit int) (*httptest.Server, *fakeE2B) {
	t.Helper()
	f := &fakeE2B{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(e2bErrorResponse{Code: 401, Message: "missing api key"})
			return
		}
		var req e2bCreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(e2bSandboxResponse{
			SandboxID:  "sb-1",
			TemplateID: req.TemplateID,
			StartedAt:  time.Now().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("POST /sandboxes/{id}/process", func(w http.ResponseWriter, r *http.Request) {
		var req e2bProcessRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.processes = append(f.processes, req)
		f.mu.Unlock()
		resp := e2bProcessResponse{}
		if len(req.Args) == 2 && strings.HasPrefix(req.Args[1], "run-tests") {
			resp.ExitCode = testExit
			resp.Stdout = `{"baseline":{"errors":1},"trial":{"errors":1}}`
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.killed = append(f.killed, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	return httptest.NewServer(mux), f
}

func TestE2BBackendLifecycle(t *testing.T) {
	srv, fake := newFakeE2B(t, 0)
	defer srv.Close()

	b := NewE2BBackend(config.E2BConfig{APIKey: "key", BaseURL: srv.URL, TemplateID: "opsloop-trial"}, Commands{
		Setup: "prepare",
		Apply: map[string]string{"default": "apply-it"},
		Test:  "run-tests",
	}, testLogger())
	ctx := context.Background()

	env, err := b.Provision(ctx, testAction())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if env.ID != "sb-1" {
		t.Errorf("env id = %q", env.ID)
	}
	if err := b.Apply(ctx, env, testAction()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	report, err := b.RunTests(ctx, env)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if !report.Passed || report.Baseline["errors"] != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if err := b.Teardown(ctx, env); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.created) != 1 || fake.created[0].TemplateID != "opsloop-trial" {
		t.Errorf("create requests: %+v", fake.created)
	}
	if fake.created[0].Metadata["opsloop_action_id"] != "act-1" {
		t.Errorf("metadata = %v", fake.created[0].Metadata)
	}
	if len(fake.processes) != 3 {
		t.Errorf("expected setup, apply and test processes, got %d", len(fake.processes))
	}
	if fake.processes[2].Env["OPSLOOP_TARGET"] != "svc/api" {
		t.Errorf("test process env = %v", fake.processes[2].Env)
	}
	if len(fake.killed) != 1 || fake.killed[0] != "sb-1" {
		t.Errorf("killed = %v", fake.killed)
	}
}

func TestE2BBackendErrors(t *testing.T) {
	srv, _ := newFakeE2B(t, 1)
	defer srv.Close()
	ctx := context.Background()

	noKey := NewE2BBackend(config.E2BConfig{BaseURL: srv.URL, TemplateID: "t"}, Commands{}, testLogger())
	if _, err := noKey.Provision(ctx, testAction()); err == nil || !strings.Contains(err.Error(), "missing api key") {
		t.Fatalf("expected auth error, got %v", err)
	}

	noTemplate := NewE2BBackend(config.E2BConfig{APIKey: "k", BaseURL: srv.URL}, Commands{}, testLogger())
	if _, err := noTemplate.Provision(ctx, testAction()); err == nil {
		t.Fatal("expected template error")
	}

	b := NewE2BBackend(config.E2BConfig{APIKey: "k", BaseURL: srv.URL, TemplateID: "t"}, Commands{Test: "run-tests"}, testLogger())
	env, err := b.Provision(ctx, testAction())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Teardown(ctx, env)
	report, err := b.RunTests(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed {
		t.Error("non-zero exit should fail the report")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(config.ValidatorConfig{Backend: "local"}, testLogger())
	if err != nil || b.Name() != "local" {
		t.Fatalf("local: %v %v", b, err)
	}
	b, err = New(config.ValidatorConfig{Backend: "e2b", E2B: config.E2BConfig{APIKey: "k", TemplateID: "t"}}, testLogger())
	if err != nil || b.Name() != "e2b" {
		t.Fatalf("e2b: %v %v", b, err)
	}
	if _, err := New(config.ValidatorConfig{Backend: "docker"}, testLogger()); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

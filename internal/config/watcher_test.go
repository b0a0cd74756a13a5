package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherAppliesValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsloop.json")

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changed := make(chan *Config, 1)
	w := NewWatcher(path, 20*time.Millisecond, slog.Default(), func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	cfg.Safety.SafetyMode = false
	cfg.Planner.ActionCap = 5
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	select {
	case got := <-changed:
		if got.Safety.SafetyMode {
			t.Error("expected safety mode off after reload")
		}
		if got.Planner.ActionCap != 5 {
			t.Errorf("expected cap 5, got %d", got.Planner.ActionCap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report change")
	}
}

func TestWatcherIgnoresInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsloop.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o640); err != nil {
		t.Fatal(err)
	}

	called := make(chan struct{}, 1)
	w := NewWatcher(path, 20*time.Millisecond, slog.Default(), func(*Config) { called <- struct{}{} })
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{"loop": {"intervalSec": 0}}`), 0o640); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	select {
	case <-called:
		t.Fatal("invalid config must not be applied")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.json"), time.Hour, slog.Default(), nil)
	w.Start()
	w.Stop()
	w.Stop()
}

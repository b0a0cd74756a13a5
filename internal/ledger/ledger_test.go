package ledger

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clawinfra/opsloop/internal/types"
)

func TestAppendAndReadLast(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var written []Entry
	for i, id := range []string{"c1", "c2", "c3"} {
		e := Entry{
			CycleID:     id,
			StartedAt:   t0.Add(time.Duration(i) * time.Minute),
			FinishedAt:  t0.Add(time.Duration(i)*time.Minute + time.Second),
			Degraded:    i == 1,
			Actions:     []types.Action{{ID: "a-" + id, Type: types.ActionRestartService, Risk: types.RiskLow}},
			ScoreDeltas: map[types.ActionType]float64{types.ActionRestartService: 0.1},
			HealthScore: 0.8,
		}
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		written = append(written, e)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Entry{CycleID: "late"}); err == nil {
		t.Error("append after close should fail")
	}

	all, err := ReadLast(l.Path(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(written, all); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	last, _ := ReadLast(l.Path(), 2)
	if len(last) != 2 || last[0].CycleID != "c2" || last[1].CycleID != "c3" {
		t.Errorf("ReadLast(2) = %v", last)
	}
}

func TestReopenAppendsAndSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Append(Entry{CycleID: "c1"})
	_ = l.Close()

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"cycle_id":"torn"` + "\n")
	_ = f.Close()

	l, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Append(Entry{CycleID: "c2"})
	_ = l.Close()

	entries, err := ReadLast(l.Path(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].CycleID != "c1" || entries[1].CycleID != "c2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReadLastMissingFile(t *testing.T) {
	entries, err := ReadLast(t.TempDir()+"/nope.jsonl", 5)
	if err != nil || entries != nil {
		t.Errorf("ReadLast = %v, %v", entries, err)
	}
}

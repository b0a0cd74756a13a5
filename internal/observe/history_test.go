package observe

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clawinfra/opsloop/internal/types"
)

func obsWith(source string, v float64) types.Observation {
	return types.Observation{SourceID: source, Payload: map[string]float64{"v": v}}
}

func TestHistoryWrapsAtCapacity(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Append(obsWith("a", float64(i)))
	}
	if h.Len("a") != 3 {
		t.Fatalf("Len = %d, want 3", h.Len("a"))
	}
	if diff := cmp.Diff([]float64{3, 4, 5}, h.Values("a", "v", 0)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{4, 5}, h.Values("a", "v", 2)); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}
	last, ok := h.Latest("a")
	if !ok || last.Payload["v"] != 5 {
		t.Errorf("Latest = %+v", last)
	}
}

func TestHistoryPartialFill(t *testing.T) {
	h := NewHistory(4)
	h.Append(obsWith("a", 1))
	h.Append(obsWith("a", 2))
	if diff := cmp.Diff([]float64{1, 2}, h.Values("a", "v", 10)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestHistorySourcesIndependent(t *testing.T) {
	h := NewHistory(2)
	h.Append(obsWith("b", 1))
	h.Append(obsWith("a", 7))
	h.Append(obsWith("b", 2))
	h.Append(obsWith("b", 3))

	if diff := cmp.Diff([]string{"a", "b"}, h.Sources()); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if got := h.Values("a", "v", 0); len(got) != 1 || got[0] != 7 {
		t.Errorf("source a = %v", got)
	}
	if _, ok := h.Latest("missing"); ok {
		t.Error("Latest on unknown source should report false")
	}
}

func TestHistorySkipsMissingKeys(t *testing.T) {
	h := NewHistory(4)
	h.Append(obsWith("a", 1))
	h.Append(types.Observation{SourceID: "a", Payload: map[string]float64{"other": 9}})
	h.Append(obsWith("a", 3))
	if diff := cmp.Diff([]float64{1, 3}, h.Values("a", "v", 0)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

package observe

import (
	"sort"
	"sync"

	"github.com/clawinfra/opsloop/internal/types"
)

// History is a bounded ring buffer of observations per source. Once a source
// holds capacity entries the oldest is overwritten.
type History struct {
	mu       sync.RWMutex
	capacity int
	sources  map[string]*ring
}

type ring struct {
	buf  []types.Observation
	next int
	full bool
}

// NewHistory creates a history keeping at most capacity observations per source.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity, sources: make(map[string]*ring)}
}

// Capacity returns the per-source capacity.
func (h *History) Capacity() int { return h.capacity }

// Append records obs under its SourceID.
func (h *History) Append(obs types.Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sources[obs.SourceID]
	if !ok {
		r = &ring{buf: make([]types.Observation, h.capacity)}
		h.sources[obs.SourceID] = r
	}
	r.buf[r.next] = obs
	r.next = (r.next + 1) % h.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Len returns how many observations are retained for source.
func (h *History) Len(source string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.sources[source]
	if !ok {
		return 0
	}
	if r.full {
		return h.capacity
	}
	return r.next
}

// Latest returns the newest observation for source.
func (h *History) Latest(source string) (types.Observation, bool) {
	w := h.Window(source, 1)
	if len(w) == 0 {
		return types.Observation{}, false
	}
	return w[0], true
}

// Window returns up to the last n observations for source, oldest first.
// n <= 0 returns everything retained.
func (h *History) Window(source string, n int) []types.Observation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.sources[source]
	if !ok {
		return nil
	}
	size := r.next
	if r.full {
		size = h.capacity
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]types.Observation, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if r.full {
			idx = (r.next + i) % h.capacity
		}
		out = append(out, r.buf[idx])
	}
	return out
}

// Values returns the last n values of key for source, oldest first.
// Observations missing the key are skipped.
func (h *History) Values(source, key string, n int) []float64 {
	var vals []float64
	for _, obs := range h.Window(source, n) {
		if v, ok := obs.Value(key); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

// Sources lists every source with retained observations, sorted.
func (h *History) Sources() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sources))
	for id := range h.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

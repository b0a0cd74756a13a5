// Package ledger is the append-only decision record: one JSON line per
// cycle describing what was observed, decided and done.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawinfra/opsloop/internal/types"
)

// FileName is the ledger file inside the ledger directory.
const FileName = "ledger.jsonl"

// Drop records a proposed action the planner discarded.
type Drop struct {
	ActionID string           `json:"action_id"`
	Type     types.ActionType `json:"type"`
	Target   string           `json:"target"`
	Reason   string           `json:"reason"`
}

// Entry is the record of one cycle.
type Entry struct {
	CycleID     string                                     `json:"cycle_id"`
	StartedAt   time.Time                                  `json:"started_at"`
	FinishedAt  time.Time                                  `json:"finished_at"`
	Degraded    bool                                       `json:"degraded"`
	Gaps        []string                                   `json:"gaps,omitempty"`
	Issues      []types.Issue                              `json:"issues"`
	Resolved    []string                                   `json:"resolved,omitempty"`
	OracleUsed  bool                                       `json:"oracle_used,omitempty"`
	Actions     []types.Action                             `json:"actions"`
	Dropped     []Drop                                     `json:"dropped,omitempty"`
	Verdicts    []types.ValidationVerdict                  `json:"verdicts"`
	Outcomes    []types.ActionOutcome                      `json:"outcomes"`
	ScoreDeltas map[types.ActionType]float64               `json:"score_deltas,omitempty"`
	Scores      map[types.ActionType]types.ConfidenceScore `json:"scores,omitempty"`
	HealthScore float64                                    `json:"health_score"`
	Errors      []string                                   `json:"errors,omitempty"`
}

// Ledger appends entries to <dir>/ledger.jsonl.
type Ledger struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if needed) the ledger in dir.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{path: path, file: f}, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append writes e as one line and syncs it to disk.
func (l *Ledger) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("ledger closed")
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return l.file.Sync()
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadLast returns up to n of the most recent entries in path, oldest first.
// n <= 0 returns all. A torn final line from a crash is skipped.
func ReadLast(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read ledger: %w", err)
	}
	return out, nil
}

package execute

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/opsloop/internal/types"
)

// Approval is an action held back by safety mode until a human approves it.
type Approval struct {
	Action     types.Action            `json:"action"`
	Verdict    types.ValidationVerdict `json:"verdict"`
	QueuedAt   time.Time               `json:"queued_at"`
	ApprovedAt *time.Time              `json:"approved_at,omitempty"`
}

// Approvals is a file-backed approval queue. Pending requests live in
// <dir>/pending, approved ones in <dir>/approved, one JSON file per action,
// so a separate process (the approve command) can grant them.
type Approvals struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewApprovals opens (creating if needed) the queue rooted at dir.
func NewApprovals(dir string) (*Approvals, error) {
	for _, sub := range []string{"pending", "approved"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create approvals directory: %w", err)
		}
	}
	return &Approvals{dir: dir, now: time.Now}, nil
}

func (q *Approvals) path(state, actionID string) (string, error) {
	if actionID == "" || strings.ContainsAny(actionID, `/\`) || actionID == "." || actionID == ".." {
		return "", fmt.Errorf("invalid action id %q", actionID)
	}
	return filepath.Join(q.dir, state, actionID+".json"), nil
}

// Queue records action as awaiting approval. Queueing the same action twice
// keeps the original request.
func (q *Approvals) Queue(action types.Action, verdict types.ValidationVerdict) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, err := q.path("pending", action.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Approval{Action: action, Verdict: verdict, QueuedAt: q.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	return os.Rename(tmp, p)
}

// Approve moves a pending request to the approved set.
func (q *Approvals) Approve(actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	src, err := q.path("pending", actionID)
	if err != nil {
		return err
	}
	a, err := readApproval(src)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("action %s: %w (no pending request)", actionID, types.ErrNotApproved)
	}
	if err != nil {
		return err
	}
	now := q.now()
	a.ApprovedAt = &now
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	dst, _ := q.path("approved", actionID)
	if err := os.WriteFile(dst, data, 0o640); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	return os.Remove(src)
}

// Reject drops a pending request.
func (q *Approvals) Reject(actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, err := q.path("pending", actionID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("reject %s: %w", actionID, err)
	}
	return nil
}

// Pending lists requests awaiting approval, oldest first.
func (q *Approvals) Pending() ([]Approval, error) { return q.list("pending") }

// Approved lists approved requests not yet applied, oldest first.
func (q *Approvals) Approved() ([]Approval, error) { return q.list("approved") }

// Complete removes an approved request once it has been acted on.
func (q *Approvals) Complete(actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, err := q.path("approved", actionID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("complete %s: %w", actionID, err)
	}
	return nil
}

func (q *Approvals) list(state string) ([]Approval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(q.dir, state))
	if err != nil {
		return nil, fmt.Errorf("read %s approvals: %w", state, err)
	}
	var out []Approval
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		a, err := readApproval(filepath.Join(q.dir, state, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Action.ID < out[j].Action.ID
	})
	return out, nil
}

func readApproval(path string) (Approval, error) {
	var a Approval
	data, err := os.ReadFile(path)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return a, nil
}

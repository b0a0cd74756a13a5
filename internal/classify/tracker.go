package classify

import (
	"encoding/hex"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/opsloop/internal/types"
)

// Signature hashes the identity of an issue: category, rule and the sorted
// set of evidence sources.
func Signature(category types.Category, rule string, evidence []types.EvidenceRef) string {
	sources := make([]string, 0, len(evidence))
	for _, e := range evidence {
		sources = append(sources, e.SourceID)
	}
	sort.Strings(sources)
	sources = slices.Compact(sources)
	sum := blake2b.Sum256([]byte(string(category) + "|" + rule + "|" + strings.Join(sources, ",")))
	return hex.EncodeToString(sum[:])
}

// finding is one rule firing in the current cycle, before deduplication.
type finding struct {
	rule     Rule
	severity types.Severity
	evidence []types.EvidenceRef
	summary  string
	stale    bool
}

// Tracker is the cross-cycle issue table. A problem that persists across
// cycles keeps its ID and FirstSeen; only LastSeen, Occurrences, evidence and
// (on fresh evidence) severity change.
type Tracker struct {
	mu     sync.RWMutex
	issues map[string]*types.Issue // by signature
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{issues: make(map[string]*types.Issue), now: time.Now}
}

// update merges this cycle's findings. freshSources holds every source that
// produced a live observation this cycle; an issue that did not fire is only
// resolved when one of its evidence sources was seen fresh. Otherwise it is
// carried forward, marked stale.
func (t *Tracker) update(findings []finding, freshSources map[string]bool) (active, resolved []types.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	matched := make(map[string]bool, len(findings))

	for _, f := range findings {
		sig := Signature(f.rule.Category, f.rule.Name, f.evidence)
		issue := t.issues[sig]
		if issue == nil {
			issue = t.matchRule(f, matched)
			if issue != nil {
				delete(t.issues, issue.Signature)
				issue.Signature = sig
				t.issues[sig] = issue
			}
		}

		if issue == nil {
			issue = &types.Issue{
				ID:          uuid.New().String(),
				Category:    f.rule.Category,
				Severity:    f.severity,
				Rule:        f.rule.Name,
				Signature:   sig,
				Evidence:    f.evidence,
				Summary:     f.summary,
				FirstSeen:   now,
				LastSeen:    now,
				Occurrences: 1,
				Stale:       f.stale,
			}
			t.issues[sig] = issue
			matched[sig] = true
			continue
		}

		matched[sig] = true
		issue.Evidence = f.evidence
		issue.Summary = f.summary
		if f.stale {
			// Stale evidence may escalate but never downgrade.
			if f.severity > issue.Severity {
				issue.Severity = f.severity
			}
			issue.Stale = true
			continue
		}
		issue.Severity = f.severity
		issue.LastSeen = now
		issue.Occurrences++
		issue.Stale = false
	}

	for sig, issue := range t.issues {
		if matched[sig] {
			continue
		}
		if seenFresh(issue, freshSources) {
			resolved = append(resolved, *issue)
			delete(t.issues, sig)
			continue
		}
		issue.Stale = true
	}

	active = t.snapshotLocked()
	sortIssues(resolved)
	return active, resolved
}

// matchRule finds an unmatched issue from the same rule whose evidence
// overlaps the finding, so a changing set of breaching sources does not
// re-create a persisting problem.
func (t *Tracker) matchRule(f finding, matched map[string]bool) *types.Issue {
	sources := make(map[string]bool, len(f.evidence))
	for _, e := range f.evidence {
		sources[e.SourceID] = true
	}
	for sig, issue := range t.issues {
		if matched[sig] || issue.Rule != f.rule.Name || issue.Category != f.rule.Category {
			continue
		}
		for _, e := range issue.Evidence {
			if sources[e.SourceID] {
				return issue
			}
		}
	}
	return nil
}

func seenFresh(issue *types.Issue, fresh map[string]bool) bool {
	for _, e := range issue.Evidence {
		if fresh[e.SourceID] {
			return true
		}
	}
	return false
}

// SetRootCause annotates an active issue.
func (t *Tracker) SetRootCause(id, cause string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, issue := range t.issues {
		if issue.ID == id {
			issue.RootCause = cause
			return
		}
	}
}

// Active returns every tracked issue, most severe first.
func (t *Tracker) Active() []types.Issue {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Len returns the number of tracked issues.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.issues)
}

func (t *Tracker) snapshotLocked() []types.Issue {
	out := make([]types.Issue, 0, len(t.issues))
	for _, issue := range t.issues {
		cp := *issue
		cp.Evidence = slices.Clone(issue.Evidence)
		out = append(out, cp)
	}
	sortIssues(out)
	return out
}

// sortIssues orders by severity descending, then FirstSeen ascending, then ID.
func sortIssues(issues []types.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.ID < b.ID
	})
}

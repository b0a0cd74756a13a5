// Package classify turns observations into deduplicated issues using
// threshold and baseline rules, optionally annotated by the analysis oracle.
package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/oracle"
	"github.com/clawinfra/opsloop/internal/types"
)

// Result is the outcome of one classification stage.
type Result struct {
	Issues   []types.Issue
	Resolved []types.Issue
	// Degraded mirrors the collection: classification ran on stale data.
	Degraded   bool
	OracleUsed bool
	// OracleErr is set when the oracle was consulted and its answer was
	// discarded. It never fails the stage.
	OracleErr error
}

// Classifier applies rules to a collection and maintains the issue table.
type Classifier struct {
	rules   []Rule
	tracker *Tracker
	advisor *oracle.Advisor
	logger  *slog.Logger
	cycleID string
}

// NewClassifier creates a classifier. advisor may be nil.
func NewClassifier(rules []Rule, tracker *Tracker, advisor *oracle.Advisor, logger *slog.Logger) *Classifier {
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		rules:   rules,
		tracker: tracker,
		advisor: advisor,
		logger:  logger.With("component", "classifier"),
	}
}

// BeginCycle tags subsequent oracle requests with cycleID.
func (c *Classifier) BeginCycle(cycleID string) { c.cycleID = cycleID }

// Tracker returns the issue table.
func (c *Classifier) Tracker() *Tracker { return c.tracker }

// Classify evaluates every rule against current. history is expected to
// already contain the fresh observations of current and may be nil.
func (c *Classifier) Classify(ctx context.Context, current observe.Collection, history *observe.History) Result {
	fresh := make(map[string]bool, len(current.Observations))
	for _, o := range current.Observations {
		if !o.Stale {
			fresh[o.SourceID] = true
		}
	}

	var findings []finding
	for _, rule := range c.rules {
		if f, ok := c.evaluate(rule, current.Observations, history); ok {
			findings = append(findings, f)
		}
	}

	issues, resolved := c.tracker.update(findings, fresh)
	for _, r := range resolved {
		c.logger.Info("issue resolved", "issue", r.ID, "rule", r.Rule, "occurrences", r.Occurrences)
	}

	res := Result{Issues: issues, Resolved: resolved, Degraded: current.Degraded}
	if len(issues) > 0 && c.advisor.Enabled() {
		res.OracleUsed = true
		res.OracleErr = c.consult(ctx, current, res.Issues)
		sortIssues(res.Issues)
	}

	c.logger.Debug("classification complete",
		"issues", len(res.Issues),
		"resolved", len(resolved),
		"degraded", res.Degraded,
		"oracle", res.OracleUsed,
	)
	return res
}

// evaluate fires rule across every observation carrying its key. All
// breaching sources become evidence of a single finding.
func (c *Classifier) evaluate(rule Rule, observations []types.Observation, history *observe.History) (finding, bool) {
	var (
		f       finding
		fired   bool
		details string
	)
	allStale := true
	for _, obs := range observations {
		v, ok := obs.Value(rule.Key)
		if !ok {
			continue
		}
		sev, ok := rule.thresholdSeverity(v)
		reason := ""
		if ok {
			reason = fmt.Sprintf("%s=%.4g %s %s threshold", rule.Key, v, rule.Direction, sev)
		}
		if mean, anomalous := rule.baselineBreach(v, baseline(history, obs, rule)); anomalous {
			if !ok || sev < types.SeverityMedium {
				sev, ok = types.SeverityMedium, true
				reason = fmt.Sprintf("%s=%.4g vs baseline %.4g (x%.2g)", rule.Key, v, mean, rule.BaselineFactor)
			}
		}
		if !ok || !sustained(rule, history, obs) {
			continue
		}

		fired = true
		if sev > f.severity {
			f.severity = sev
		}
		if !obs.Stale {
			allStale = false
		}
		f.evidence = append(f.evidence, types.EvidenceRef{
			ObservationID: obs.ID,
			SourceID:      obs.SourceID,
			Key:           rule.Key,
			Value:         v,
			Timestamp:     obs.Timestamp,
		})
		if details != "" {
			details += "; "
		}
		details += obs.SourceID + ": " + reason
	}
	if !fired {
		return finding{}, false
	}
	f.rule = rule
	f.stale = allStale
	f.summary = rule.Name + ": " + details
	return f, true
}

// baseline returns the BaselineWindow values preceding obs.
func baseline(history *observe.History, obs types.Observation, rule Rule) []float64 {
	if history == nil || rule.BaselineFactor <= 0 {
		return nil
	}
	var vals []float64
	for _, h := range history.Window(obs.SourceID, rule.BaselineWindow+1) {
		if h.ID == obs.ID {
			continue
		}
		if v, ok := h.Value(rule.Key); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) > rule.BaselineWindow {
		vals = vals[len(vals)-rule.BaselineWindow:]
	}
	return vals
}

// sustained reports whether the last Sustain samples of the source all breach.
func sustained(rule Rule, history *observe.History, obs types.Observation) bool {
	if rule.Sustain <= 1 {
		return true
	}
	if history == nil {
		return false
	}
	vals := history.Values(obs.SourceID, rule.Key, rule.Sustain)
	if len(vals) < rule.Sustain {
		return false
	}
	for _, v := range vals {
		if _, ok := rule.thresholdSeverity(v); !ok {
			return false
		}
	}
	return true
}

// consult asks the oracle about this cycle's issues and applies its answer to
// the primary (most severe, oldest) issue. The oracle may relabel the
// category and record a root cause; it may raise severity by one step at
// most and never lowers it.
func (c *Classifier) consult(ctx context.Context, current observe.Collection, issues []types.Issue) error {
	analysis, err := c.advisor.Advise(ctx, oracle.Request{
		CycleID:      c.cycleID,
		Purpose:      oracle.PurposeClassify,
		Issues:       issues,
		Observations: current.Observations,
	})
	if err != nil {
		c.logger.Warn("oracle analysis discarded, using rule-based classification", "error", err)
		return err
	}

	primary := &issues[0]
	primary.Severity = MergeSeverity(primary.Severity, analysis.Severity)
	if analysis.Category != "" {
		primary.Category = analysis.Category
	}
	primary.RootCause = analysis.RootCause
	c.tracker.SetRootCause(primary.ID, analysis.RootCause)
	return nil
}

// MergeSeverity combines a rule severity with an oracle suggestion.
func MergeSeverity(rule, suggested types.Severity) types.Severity {
	if suggested <= rule {
		return rule
	}
	return rule.Raise(1)
}

package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/clawinfra/opsloop/internal/execute"
	"github.com/clawinfra/opsloop/internal/loop"
	"github.com/clawinfra/opsloop/internal/types"
)

var (
	primaryColor = lipgloss.Color("#7C3AED") // violet
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// scoreColor grades a confidence value.
func scoreColor(v float64) lipgloss.Color {
	switch {
	case v >= 0.7:
		return successColor
	case v >= 0.4:
		return warnColor
	default:
		return errorColor
	}
}

func printScores(out io.Writer, scores map[types.ActionType]types.ConfidenceScore, outcomes []types.ActionOutcome) {
	if len(scores) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No confidence scores recorded yet."))
		return
	}
	counts := make(map[types.ActionType]int)
	for _, o := range outcomes {
		counts[o.ActionType]++
	}

	keys := make([]types.ActionType, 0, len(scores))
	for t := range scores {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	t := newTable("ACTION TYPE", "SCORE", "SAMPLES", "OUTCOMES", "UPDATED")
	for _, k := range keys {
		s := scores[k]
		t.Row(string(k),
			lipgloss.NewStyle().Foreground(scoreColor(s.Value)).Render(strconv.FormatFloat(s.Value, 'f', 3, 64)),
			strconv.Itoa(s.SampleCount),
			strconv.Itoa(counts[k]),
			s.UpdatedAt.Format(time.RFC3339),
		)
	}
	fmt.Fprintln(out, titleStyle.Render("Confidence scores"))
	fmt.Fprintln(out, t.Render())
}

func printOutcomes(out io.Writer, outcomes []types.ActionOutcome) {
	t := newTable("RECORDED", "ACTION", "TYPE", "RESULT", "DELTA")
	for _, o := range outcomes {
		t.Row(o.RecordedAt.Format(time.RFC3339), o.ActionID, string(o.ActionType), outcomeResult(o),
			strconv.FormatFloat(o.ConfidenceDelta, 'f', 3, 64))
	}
	fmt.Fprintln(out, titleStyle.Render("Recent outcomes"))
	fmt.Fprintln(out, t.Render())
}

func outcomeResult(o types.ActionOutcome) string {
	switch {
	case o.WouldExecute:
		return "awaiting approval"
	case o.Rejected:
		return "rejected: " + o.SkipReason
	case !o.Executed:
		return "skipped: " + o.SkipReason
	case o.Success:
		return "success"
	case o.Fatal:
		return "rollback failed"
	case o.RolledBack:
		return "rolled back"
	default:
		return "failed"
	}
}

func verdictLabel(v types.ValidationVerdict) string {
	if v.State == types.StatePassed && !v.SafetyOK {
		return "unsafe"
	}
	return string(v.State)
}

func printApprovals(out io.Writer, pending []execute.Approval) {
	if len(pending) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No actions awaiting approval."))
		return
	}
	t := newTable("ACTION", "TYPE", "TARGET", "RISK", "QUEUED")
	for _, a := range pending {
		t.Row(a.Action.ID, string(a.Action.Type), a.Action.Target, a.Action.Risk.String(), a.QueuedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, titleStyle.Render("Pending approvals"))
	fmt.Fprintln(out, t.Render())
}

func printReport(out io.Writer, r loop.CycleReport) {
	status := lipgloss.NewStyle().Foreground(successColor)
	switch r.Result() {
	case "degraded":
		status = status.Foreground(warnColor)
	case "error":
		status = status.Foreground(errorColor)
	}
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Cycle"), r.CycleID)
	fmt.Fprintf(out, "  result:   %s\n", status.Render(r.Result()))
	fmt.Fprintf(out, "  duration: %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  health:   %.2f\n", r.HealthScore)
	fmt.Fprintf(out, "  gaps:     %d\n", len(r.Gaps))

	if len(r.Issues) > 0 {
		t := newTable("SEVERITY", "CATEGORY", "RULE", "SEEN", "SUMMARY")
		for _, is := range r.Issues {
			t.Row(is.Severity.String(), string(is.Category), is.Rule, strconv.Itoa(is.Occurrences), is.Summary)
		}
		fmt.Fprintln(out, t.Render())
	}
	if len(r.Plan.Actions) > 0 {
		t := newTable("ACTION", "TYPE", "TARGET", "RISK", "VERDICT", "RESULT")
		for i, a := range r.Plan.Actions {
			verdict, result := "-", "-"
			if i < len(r.Verdicts) {
				verdict = verdictLabel(r.Verdicts[i])
			}
			for _, o := range r.Outcomes {
				if o.ActionID == a.ID {
					result = outcomeResult(o)
				}
			}
			t.Row(a.ID, string(a.Type), a.Target, a.Risk.String(), verdict, result)
		}
		fmt.Fprintln(out, t.Render())
	}
	for _, err := range r.Errors {
		fmt.Fprintf(out, "  error: %v\n", err)
	}
}

package plan

import (
	"fmt"
	"maps"
	"strings"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

// Entry is one candidate remediation for a category. Target is a template:
// {source} expands to the first evidence source, {rule} to the issue rule and
// {category} to the issue category.
type Entry struct {
	Type       types.ActionType
	Risk       types.RiskLevel
	Target     string
	Rollback   string
	Parameters map[string]string
}

// Catalog is the deterministic lookup table from issue category to
// candidate actions.
type Catalog struct {
	entries map[types.Category][]Entry
}

// DefaultCatalog returns the built-in remediation table.
func DefaultCatalog() *Catalog {
	return &Catalog{entries: map[types.Category][]Entry{
		types.CategoryResource: {
			{Type: types.ActionRestartService, Risk: types.RiskLow, Target: "{source}", Rollback: "none"},
			{Type: types.ActionScaleOut, Risk: types.RiskMedium, Target: "{source}", Rollback: string(types.ActionScaleIn), Parameters: map[string]string{"delta": "1"}},
		},
		types.CategoryAvailability: {
			{Type: types.ActionRestartService, Risk: types.RiskMedium, Target: "{source}", Rollback: "none"},
			{Type: types.ActionFailover, Risk: types.RiskHigh, Target: "{source}", Rollback: "failback"},
		},
		types.CategoryLatency: {
			{Type: types.ActionClearCache, Risk: types.RiskLow, Target: "{source}"},
			{Type: types.ActionScaleOut, Risk: types.RiskMedium, Target: "{source}", Rollback: string(types.ActionScaleIn), Parameters: map[string]string{"delta": "1"}},
		},
		types.CategoryErrors: {
			{Type: types.ActionRestartService, Risk: types.RiskMedium, Target: "{source}", Rollback: "none"},
			{Type: types.ActionRollbackDeploy, Risk: types.RiskHigh, Target: "{source}", Rollback: "redeploy"},
		},
		types.CategorySaturation: {
			{Type: types.ActionTuneConfig, Risk: types.RiskMedium, Target: "{source}", Rollback: "restore_config"},
			{Type: types.ActionScaleOut, Risk: types.RiskMedium, Target: "{source}", Rollback: string(types.ActionScaleIn), Parameters: map[string]string{"delta": "1"}},
		},
		types.CategoryCapacity: {
			{Type: types.ActionRotateLogs, Risk: types.RiskLow, Target: "{source}"},
			{Type: types.ActionScaleOut, Risk: types.RiskMedium, Target: "{source}", Rollback: string(types.ActionScaleIn), Parameters: map[string]string{"delta": "1"}},
		},
		types.CategoryImprovement: {
			{Type: types.ActionTuneConfig, Risk: types.RiskLow, Target: "{source}", Rollback: "restore_config"},
		},
	}}
}

// NewCatalog builds a catalog from configured entries. Categories present in
// entries replace the built-in entries for that category; the others keep
// their defaults.
func NewCatalog(entries []config.CatalogEntry) (*Catalog, error) {
	c := DefaultCatalog()
	replaced := make(map[types.Category]bool)
	for _, e := range entries {
		cat := types.Category(e.Category)
		if !types.KnownCategory(cat) {
			return nil, fmt.Errorf("catalog: unknown category %q", e.Category)
		}
		risk, err := types.ParseRisk(e.Risk)
		if err != nil {
			return nil, fmt.Errorf("catalog %s/%s: %w", e.Category, e.Type, err)
		}
		if !replaced[cat] {
			c.entries[cat] = nil
			replaced[cat] = true
		}
		c.entries[cat] = append(c.entries[cat], Entry{
			Type:       types.ActionType(e.Type),
			Risk:       risk,
			Target:     e.Target,
			Rollback:   e.Rollback,
			Parameters: e.Parameters,
		})
	}
	return c, nil
}

// For returns the entries for category.
func (c *Catalog) For(category types.Category) []Entry {
	return c.entries[category]
}

// Known reports whether t is a built-in action type or appears in the catalog.
func (c *Catalog) Known(t types.ActionType) bool {
	switch t {
	case types.ActionRestartService, types.ActionScaleOut, types.ActionScaleIn, types.ActionClearCache,
		types.ActionRollbackDeploy, types.ActionTuneConfig, types.ActionRotateLogs, types.ActionFailover:
		return true
	}
	for _, entries := range c.entries {
		for _, e := range entries {
			if e.Type == t {
				return true
			}
		}
	}
	return false
}

// Types lists every action type the catalog can produce.
func (c *Catalog) Types() []types.ActionType {
	seen := make(map[types.ActionType]bool)
	var out []types.ActionType
	for _, cat := range []types.Category{
		types.CategoryResource, types.CategoryAvailability, types.CategoryLatency, types.CategoryErrors,
		types.CategorySaturation, types.CategoryCapacity, types.CategoryImprovement,
	} {
		for _, e := range c.entries[cat] {
			if !seen[e.Type] {
				seen[e.Type] = true
				out = append(out, e.Type)
			}
		}
	}
	return out
}

func expandTarget(tmpl string, issue types.Issue) string {
	source := ""
	if len(issue.Evidence) > 0 {
		source = issue.Evidence[0].SourceID
	}
	return strings.NewReplacer(
		"{source}", source,
		"{rule}", issue.Rule,
		"{category}", string(issue.Category),
	).Replace(tmpl)
}

func cloneParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

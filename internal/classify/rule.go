package classify

import (
	"fmt"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/types"
)

// Direction says which side of a threshold is a breach.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Rule maps one payload key to an issue category through severity thresholds
// and an optional rolling-baseline anomaly check. Zero thresholds are disabled.
type Rule struct {
	Name      string
	Key       string
	Category  types.Category
	Direction Direction
	Medium    float64
	High      float64
	Critical  float64
	// Sustain is the number of consecutive samples (current included) that
	// must breach before the rule fires.
	Sustain int
	// BaselineFactor flags a value at medium severity when it deviates from
	// the mean of the previous BaselineWindow samples by this factor.
	BaselineFactor float64
	BaselineWindow int
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		cat := types.Category(c.Category)
		if !types.KnownCategory(cat) {
			return nil, fmt.Errorf("rule %s: unknown category %q", c.Name, c.Category)
		}
		dir := Direction(c.Direction)
		if dir == "" {
			dir = Above
		}
		if c.Medium == 0 && c.High == 0 && c.Critical == 0 && c.BaselineFactor == 0 {
			return nil, fmt.Errorf("rule %s: no threshold or baseline configured", c.Name)
		}
		window := c.BaselineWindow
		if c.BaselineFactor > 0 && window == 0 {
			window = 10
		}
		rules = append(rules, Rule{
			Name:           c.Name,
			Key:            c.Key,
			Category:       cat,
			Direction:      dir,
			Medium:         c.Medium,
			High:           c.High,
			Critical:       c.Critical,
			Sustain:        c.Sustain,
			BaselineFactor: c.BaselineFactor,
			BaselineWindow: window,
		})
	}
	return rules, nil
}

func (r Rule) breaches(v, threshold float64) bool {
	if r.Direction == Below {
		return v < threshold
	}
	return v >= threshold
}

// thresholdSeverity returns the severity of v against the absolute thresholds.
func (r Rule) thresholdSeverity(v float64) (types.Severity, bool) {
	switch {
	case r.Critical != 0 && r.breaches(v, r.Critical):
		return types.SeverityCritical, true
	case r.High != 0 && r.breaches(v, r.High):
		return types.SeverityHigh, true
	case r.Medium != 0 && r.breaches(v, r.Medium):
		return types.SeverityMedium, true
	}
	return 0, false
}

// baselineBreach reports whether v deviates from the mean of baseline by the
// configured factor. At least three samples are required.
func (r Rule) baselineBreach(v float64, baseline []float64) (float64, bool) {
	if r.BaselineFactor <= 0 || len(baseline) < 3 {
		return 0, false
	}
	var sum float64
	for _, b := range baseline {
		sum += b
	}
	mean := sum / float64(len(baseline))
	if mean <= 0 {
		return mean, false
	}
	if r.Direction == Below {
		return mean, v < mean/r.BaselineFactor
	}
	return mean, v > mean*r.BaselineFactor
}

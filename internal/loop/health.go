package loop

import (
	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/types"
)

// HealthScore rates the observed service from 0 to 1. Half of the score is
// the share of sources that answered this cycle and did not report up=0;
// the other half is 1 with no high or critical issue, 0.5 with a high one
// and 0 with a critical one.
func HealthScore(c observe.Collection, sources int, issues []types.Issue) float64 {
	up := 1.0
	if sources > 0 {
		n := 0
		for _, o := range c.Observations {
			if o.Stale {
				continue
			}
			if v, ok := o.Value("up"); ok && v < 1 {
				continue
			}
			n++
		}
		up = float64(n) / float64(sources)
		if up > 1 {
			up = 1
		}
	}

	calm := 1.0
	for _, is := range issues {
		switch {
		case is.Severity >= types.SeverityCritical:
			calm = 0
		case is.Severity >= types.SeverityHigh && calm > 0.5:
			calm = 0.5
		}
	}
	return 0.5*up + 0.5*calm
}

// Package plan maps classified issues to a bounded, ranked list of candidate
// actions. The oracle may suggest extra candidates; every structural decision
// (ordering, filtering, deduplication, rate limiting) is made here. Rate
// limits count executed actions, so candidates rejected later do not use up
// the hourly allowance.
package plan

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/clawinfra/opsloop/internal/oracle"
	"github.com/clawinfra/opsloop/internal/types"
)

// Config tunes candidate filtering.
type Config struct {
	ConfidenceFloor float64
	// Scores with fewer samples are treated as Prior.
	MinSamples int
	Prior      float64
	// Per action type, 0 = unlimited.
	RateLimitPerHour int
}

var errMemoizedFailure = errors.New("oracle failed earlier this cycle")

// Drop explains why a candidate did not make the plan.
type Drop struct {
	Action types.Action `json:"action"`
	Reason string       `json:"reason"`
}

// Result is a plan with the reasons candidates were discarded.
type Result struct {
	Actions   []types.Action `json:"actions"`
	Dropped   []Drop         `json:"dropped,omitempty"`
	OracleErr error          `json:"-"`
}

// Planner builds per-cycle action plans.
type Planner struct {
	catalog *Catalog
	advisor *oracle.Advisor
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cfg      Config
	limiters map[types.ActionType]*rate.Limiter
	cycleID  string
	memo     map[string]*oracle.Analysis // oracle answers by issue ID, this cycle
}

// NewPlanner creates a planner. advisor may be nil.
func NewPlanner(cfg Config, catalog *Catalog, advisor *oracle.Advisor, logger *slog.Logger) *Planner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prior == 0 {
		cfg.Prior = 0.5
	}
	return &Planner{
		catalog:  catalog,
		advisor:  advisor,
		logger:   logger.With("component", "planner"),
		now:      time.Now,
		cfg:      cfg,
		limiters: make(map[types.ActionType]*rate.Limiter),
		memo:     make(map[string]*oracle.Analysis),
	}
}

// BeginCycle resets the per-cycle oracle memo.
func (p *Planner) BeginCycle(cycleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycleID = cycleID
	clear(p.memo)
}

// SetConfidenceFloor changes the floor at runtime.
func (p *Planner) SetConfidenceFloor(floor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.ConfidenceFloor = floor
}

// Plan returns at most budget actions for issues.
func (p *Planner) Plan(ctx context.Context, issues []types.Issue, scores map[types.ActionType]types.ConfidenceScore, budget int) []types.Action {
	return p.PlanDetailed(ctx, issues, scores, budget).Actions
}

type candidate struct {
	action     types.Action
	confidence float64
}

// PlanDetailed is Plan plus the reasons for every discarded candidate.
func (p *Planner) PlanDetailed(ctx context.Context, issues []types.Issue, scores map[types.ActionType]types.ConfidenceScore, budget int) Result {
	var res Result
	if budget <= 0 {
		return res
	}

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	ordered := make([]types.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.ID < b.ID
	})

	var cands []candidate
	for _, issue := range ordered {
		if issue.Stale {
			p.logger.Info("skipping issue with stale evidence", "issue", issue.ID, "rule", issue.Rule)
			continue
		}
		proposed, oerr := p.candidates(ctx, issue)
		if oerr != nil && res.OracleErr == nil {
			res.OracleErr = oerr
		}
		for _, a := range proposed {
			conf := p.confidence(cfg, scores, a.Type)
			if conf < cfg.ConfidenceFloor && issue.Severity != types.SeverityCritical {
				res.Dropped = append(res.Dropped, Drop{Action: a, Reason: "confidence below floor"})
				continue
			}
			if !a.Risk.JustifiedBy(issue.Severity) {
				res.Dropped = append(res.Dropped, Drop{Action: a, Reason: "risk exceeds issue severity"})
				continue
			}
			cands = append(cands, candidate{action: a, confidence: conf})
		}
	}

	// One action per target: highest justified risk, then confidence. The
	// winner keeps the slot of the first candidate for that target.
	best := make(map[string]int)
	var slots []string
	for i, c := range cands {
		j, seen := best[c.action.Target]
		if !seen {
			best[c.action.Target] = i
			slots = append(slots, c.action.Target)
			continue
		}
		cur := cands[j]
		if c.action.Risk > cur.action.Risk || (c.action.Risk == cur.action.Risk && c.confidence > cur.confidence) {
			best[c.action.Target] = i
			res.Dropped = append(res.Dropped, Drop{Action: cur.action, Reason: "duplicate target"})
		} else {
			res.Dropped = append(res.Dropped, Drop{Action: c.action, Reason: "duplicate target"})
		}
	}

	planned := make(map[types.ActionType]int)
	for _, target := range slots {
		a := cands[best[target]].action
		if len(res.Actions) >= budget {
			res.Dropped = append(res.Dropped, Drop{Action: a, Reason: "cycle budget exhausted"})
			continue
		}
		if !p.available(cfg, a.Type, planned[a.Type]) {
			res.Dropped = append(res.Dropped, Drop{Action: a, Reason: "rate limited"})
			continue
		}
		planned[a.Type]++
		res.Actions = append(res.Actions, a)
	}

	p.logger.Debug("plan built",
		"issues", len(issues),
		"actions", len(res.Actions),
		"dropped", len(res.Dropped),
	)
	return res
}

// candidates returns catalog actions for issue plus any oracle suggestions.
func (p *Planner) candidates(ctx context.Context, issue types.Issue) ([]types.Action, error) {
	now := p.now()
	var out []types.Action
	for _, e := range p.catalog.For(issue.Category) {
		out = append(out, types.Action{
			ID:         uuid.New().String(),
			IssueID:    issue.ID,
			Type:       e.Type,
			Target:     expandTarget(e.Target, issue),
			Risk:       e.Risk,
			Parameters: cloneParams(e.Parameters),
			Rollback:   e.Rollback,
			Origin:     "catalog",
			Rationale:  issue.Summary,
			ProposedAt: now,
		})
	}

	if !p.advisor.Enabled() {
		return out, nil
	}
	analysis, err := p.analyze(ctx, issue)
	if err != nil {
		p.logger.Warn("oracle suggestions discarded, using catalog only", "issue", issue.ID, "error", err)
		return out, err
	}
	for _, rec := range analysis.RecommendedActions {
		if !p.catalog.Known(rec.Type) {
			p.logger.Warn("oracle proposed unknown action type", "issue", issue.ID, "type", rec.Type)
			continue
		}
		out = append(out, types.Action{
			ID:         uuid.New().String(),
			IssueID:    issue.ID,
			Type:       rec.Type,
			Target:     rec.Target,
			Risk:       rec.Risk,
			Parameters: cloneParams(rec.Parameters),
			Rollback:   rec.Rollback,
			Origin:     "oracle",
			Rationale:  rec.Rationale,
			ProposedAt: now,
		})
	}
	return out, nil
}

// analyze asks the oracle about one issue at most once per cycle. Failures
// are memoized too so a broken oracle is not re-asked within the cycle.
func (p *Planner) analyze(ctx context.Context, issue types.Issue) (*oracle.Analysis, error) {
	p.mu.Lock()
	if a, ok := p.memo[issue.ID]; ok {
		p.mu.Unlock()
		if a == nil {
			return nil, errMemoizedFailure
		}
		return a, nil
	}
	cycleID := p.cycleID
	p.mu.Unlock()

	a, err := p.advisor.Advise(ctx, oracle.Request{
		CycleID:     cycleID,
		Purpose:     oracle.PurposePlan,
		Issues:      []types.Issue{issue},
		ActionTypes: p.catalog.Types(),
	})

	p.mu.Lock()
	p.memo[issue.ID] = a
	p.mu.Unlock()
	return a, err
}

func (p *Planner) confidence(cfg Config, scores map[types.ActionType]types.ConfidenceScore, t types.ActionType) float64 {
	s, ok := scores[t]
	if !ok || s.SampleCount < cfg.MinSamples {
		return cfg.Prior
	}
	return s.Value
}

// available reports whether the hourly limit for t has room for one more
// action beyond the planned ones. Tokens are spent by Charge, only for
// actions that were executed.
func (p *Planner) available(cfg Config, t types.ActionType, planned int) bool {
	if cfg.RateLimitPerHour <= 0 {
		return true
	}
	return p.limiter(cfg, t).TokensAt(p.now()) >= float64(planned+1)
}

// Charge spends one rate-limit token for an executed action of type t.
func (p *Planner) Charge(t types.ActionType) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	if cfg.RateLimitPerHour <= 0 {
		return
	}
	p.limiter(cfg, t).AllowN(p.now(), 1)
}

func (p *Planner) limiter(cfg Config, t types.ActionType) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[t]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RateLimitPerHour)), cfg.RateLimitPerHour)
		p.limiters[t] = lim
	}
	return lim
}

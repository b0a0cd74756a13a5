// Package learn keeps a confidence score per action type, updated from the
// outcomes of executed actions and of trials that rejected an action.
package learn

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/opsloop/internal/types"
)

// Config configures a Store.
type Config struct {
	// Base learning rate. The effective rate for a score with n samples is
	// Alpha / sqrt(n+1), so early outcomes move the score most.
	Alpha float64
	// Score of an action type with no samples.
	Prior float64
}

// DefaultConfig returns α=0.3 and a neutral prior.
func DefaultConfig() Config {
	return Config{Alpha: 0.3, Prior: 0.5}
}

// Backend persists scores and outcome history.
type Backend interface {
	Load(ctx context.Context) (map[types.ActionType]types.ConfidenceScore, []types.ActionOutcome, error)
	Save(ctx context.Context, scores []types.ConfidenceScore, outcomes []types.ActionOutcome) error
	Close() error
}

// Store is the outcome learning store.
type Store struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	scores  map[types.ActionType]types.ConfidenceScore
	history map[types.ActionType][]types.ActionOutcome
	seen    map[string]struct{} // action IDs with a recorded outcome
	dirty   map[types.ActionType]struct{}
	pending []types.ActionOutcome
}

// NewStore creates a store, loading prior state from backend when non-nil.
func NewStore(ctx context.Context, cfg Config, backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	if cfg.Prior < 0 || cfg.Prior > 1 {
		cfg.Prior = DefaultConfig().Prior
	}
	s := &Store{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "learning"),
		now:     time.Now,
		scores:  make(map[types.ActionType]types.ConfidenceScore),
		history: make(map[types.ActionType][]types.ActionOutcome),
		seen:    make(map[string]struct{}),
		dirty:   make(map[types.ActionType]struct{}),
	}
	if backend == nil {
		return s, nil
	}

	scores, outcomes, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load learning state: %w", err)
	}
	for t, sc := range scores {
		sc.Value = clamp(sc.Value)
		s.scores[t] = sc
	}
	for _, o := range outcomes {
		s.seen[o.ActionID] = struct{}{}
		s.history[o.ActionType] = append(s.history[o.ActionType], o)
	}
	s.logger.Info("learning state loaded", "action_types", len(scores), "outcomes", len(outcomes))
	return s, nil
}

// Record applies outcome to its action type's score and appends it to the
// history. A rejected trial is a failure signal. Other outcomes of actions
// that were not executed are kept in the history but leave the score
// unchanged. A second outcome for the same action returns
// types.ErrDuplicateOutcome.
func (s *Store) Record(outcome types.ActionOutcome) (types.ConfidenceScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome.ActionID == "" {
		return types.ConfidenceScore{}, fmt.Errorf("outcome has no action id")
	}
	if _, dup := s.seen[outcome.ActionID]; dup {
		return s.scoreLocked(outcome.ActionType), fmt.Errorf("action %s: %w", outcome.ActionID, types.ErrDuplicateOutcome)
	}
	s.seen[outcome.ActionID] = struct{}{}

	score := s.scoreLocked(outcome.ActionType)
	if outcome.Learnable() {
		signal := 0.0
		if outcome.Success {
			signal = 1.0
		}
		alpha := s.cfg.Alpha / math.Sqrt(float64(score.SampleCount+1))
		old := score.Value
		score.Value = clamp(old + alpha*(signal-old))
		score.SampleCount++
		score.UpdatedAt = s.now()
		outcome.ConfidenceDelta = score.Value - old
		s.scores[outcome.ActionType] = score
		s.dirty[outcome.ActionType] = struct{}{}
	}
	if outcome.ID == "" {
		outcome.ID = uuid.New().String()
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = s.now()
	}
	s.history[outcome.ActionType] = append(s.history[outcome.ActionType], outcome)
	s.pending = append(s.pending, outcome)
	return score, nil
}

func (s *Store) scoreLocked(t types.ActionType) types.ConfidenceScore {
	if sc, ok := s.scores[t]; ok {
		return sc
	}
	return types.ConfidenceScore{ActionType: t, Value: s.cfg.Prior}
}

// ScoreFor returns the current score for t, or the prior when t has none.
func (s *Store) ScoreFor(t types.ActionType) types.ConfidenceScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked(t)
}

// Snapshot returns a copy of all known scores.
func (s *Store) Snapshot() map[types.ActionType]types.ConfidenceScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.ActionType]types.ConfidenceScore, len(s.scores))
	for t, sc := range s.scores {
		out[t] = sc
	}
	return out
}

// History returns the recorded outcomes for t, oldest first.
func (s *Store) History(t types.ActionType) []types.ActionOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ActionOutcome(nil), s.history[t]...)
}

// Flush writes scores changed and outcomes recorded since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	scores := make([]types.ConfidenceScore, 0, len(s.dirty))
	for t := range s.dirty {
		scores = append(scores, s.scores[t])
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].ActionType < scores[j].ActionType })
	outcomes := s.pending
	s.mu.Unlock()

	if len(scores) == 0 && len(outcomes) == 0 {
		return nil
	}
	if err := s.backend.Save(ctx, scores, outcomes); err != nil {
		return fmt.Errorf("flush learning state: %w", err)
	}

	s.mu.Lock()
	for _, sc := range scores {
		if cur, ok := s.scores[sc.ActionType]; ok && cur.SampleCount == sc.SampleCount {
			delete(s.dirty, sc.ActionType)
		}
	}
	s.pending = s.pending[len(outcomes):]
	s.mu.Unlock()
	s.logger.Debug("learning state flushed", "scores", len(scores), "outcomes", len(outcomes))
	return nil
}

// Close flushes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	ferr := s.Flush(ctx)
	if err := s.backend.Close(); err != nil {
		return err
	}
	return ferr
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

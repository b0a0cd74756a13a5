package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskGroup tracks the goroutines a cycle spawns. Wait blocks until all of
// them finish, so none outlive the cycle that started them.
type TaskGroup struct {
	ctx    context.Context
	g      errgroup.Group
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]int
	errs   []error
}

// NewTaskGroup creates a registry whose tasks receive ctx.
func NewTaskGroup(ctx context.Context, logger *slog.Logger) *TaskGroup {
	return &TaskGroup{ctx: ctx, logger: logger, active: make(map[string]int)}
}

// Go runs fn in a tracked goroutine. A panic in fn is reported as its error.
// Unlike a bare errgroup, one failing task does not cancel the others.
func (t *TaskGroup) Go(name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	t.active[name]++
	t.mu.Unlock()

	t.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
			t.mu.Lock()
			if t.active[name]--; t.active[name] == 0 {
				delete(t.active, name)
			}
			if err != nil {
				t.errs = append(t.errs, fmt.Errorf("%s: %w", name, err))
			}
			t.mu.Unlock()
			if err != nil {
				t.logger.Warn("cycle task failed", "task", name, "error", err)
			}
		}()
		return fn(t.ctx)
	})
}

// Active returns the names of tasks still running.
func (t *TaskGroup) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.active))
	for name := range t.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait drains the registry and returns every task error joined.
func (t *TaskGroup) Wait() error {
	_ = t.g.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.errs...)
}

// Package escalate delivers one-way notices to humans. Delivery is
// asynchronous: the control loop enqueues and moves on, and a full queue
// drops the notice rather than blocking.
package escalate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notice.
type Kind string

const (
	KindUnsafeVerdict    Kind = "unsafe_verdict"
	KindRollbackFailure  Kind = "rollback_failure"
	KindDegradedCycle    Kind = "degraded_cycle"
	KindApprovalRequired Kind = "approval_required"
)

// Notice is one escalation message.
type Notice struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	CycleID  string            `json:"cycle_id,omitempty"`
	ActionID string            `json:"action_id,omitempty"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink delivers notices to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notice) error
}

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Dispatcher fans notices out to sinks from a single background worker.
type Dispatcher struct {
	sinks       []Sink
	queue       chan Notice
	sendTimeout time.Duration
	logger      *slog.Logger

	// OnDelivery, when set before Start, observes each delivery attempt.
	OnDelivery func(sink string, kind Kind, err error)

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}

	enqueued  atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher with a queue of queueSize notices.
func NewDispatcher(sinks []Sink, queueSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &Dispatcher{
		sinks:       sinks,
		queue:       make(chan Notice, queueSize),
		sendTimeout: DefaultSendTimeout,
		logger:      logger.With("component", "escalation"),
		done:        make(chan struct{}),
	}
}

// Start launches the delivery worker. ctx bounds in-flight deliveries; the
// worker itself exits when Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run(context.WithoutCancel(ctx))
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notice) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := s.Send(sctx, n)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("escalation delivery failed", "sink", s.Name(), "kind", n.Kind, "notice", n.ID, "error", err)
		} else {
			d.delivered.Add(1)
		}
		if d.OnDelivery != nil {
			d.OnDelivery(s.Name(), n.Kind, err)
		}
	}
}

// Notify enqueues n without blocking. It returns false when the notice was
// dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Notify(n Notice) bool {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("escalation dispatcher closed, notice dropped", "kind", n.Kind, "summary", n.Summary)
		return false
	}
	select {
	case d.queue <- n:
		d.enqueued.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("escalation queue full, notice dropped", "kind", n.Kind, "summary", n.Summary)
		return false
	}
}

// Close stops accepting notices, waits for queued ones to be delivered or
// for ctx to expire, and returns ctx.Err() in the latter case.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports counters since creation.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

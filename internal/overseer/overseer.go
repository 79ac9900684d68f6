// Package overseer implements the orchestration core: goal management,
// assignment dispatch, the reconciliation tick, crystallization
// recording and the hook bridge external channels consume.
package overseer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/planner"
	"github.com/basket/overseer/internal/store"
	"github.com/basket/overseer/internal/worker"
)

// Stable error taxonomy. The gateway maps these onto wire codes.
var (
	// ErrNotFound marks an unknown goal, work node or assignment id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation against state that cannot
	// accept it, like dispatching a node with unmet dependencies.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument marks a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Hooks is the closed set of optional callbacks the core fires at
// lifecycle transitions. A nil hook is skipped; hooks run outside the
// store lock, after the mutation has been persisted, and receive copies.
type Hooks struct {
	OnAssignmentActive  func(model.Assignment)
	OnAssignmentStalled func(model.Assignment)
	OnAssignmentDone    func(model.Assignment)
	OnGoalCompleted     func(model.Goal)
}

// Tuning controls the reconciliation loop.
type Tuning struct {
	// DefaultIdleAfter is the idle tolerance applied to assignments
	// that do not set their own.
	DefaultIdleAfter time.Duration
	// GraceMultiplier widens the idle window before an assignment is
	// judged stalled, so one missed heartbeat does not flap.
	GraceMultiplier int
	// MaxRetries is the redispatch ceiling; past it a stall escalates.
	MaxRetries int
	// BackoffBase seeds the exponential redispatch backoff.
	BackoffBase time.Duration
	// BackoffCap bounds the backoff growth.
	BackoffCap time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.DefaultIdleAfter <= 0 {
		t.DefaultIdleAfter = 5 * time.Minute
	}
	if t.GraceMultiplier <= 0 {
		t.GraceMultiplier = 2
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.BackoffBase <= 0 {
		t.BackoffBase = 30 * time.Second
	}
	if t.BackoffCap <= 0 {
		t.BackoffCap = 15 * time.Minute
	}
	return t
}

// backoffFor computes the delay before redispatch attempt n (1-based),
// doubling from the base up to the cap.
func (t Tuning) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := t.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.BackoffCap {
			return t.BackoffCap
		}
	}
	if d > t.BackoffCap {
		return t.BackoffCap
	}
	return d
}

// Config wires the overseer's collaborators. Store and Runtime are
// required; everything else degrades gracefully when absent.
type Config struct {
	Store     *store.Store
	Runtime   worker.Runtime
	Generator planner.Generator
	Bus       *bus.Bus
	Hooks     Hooks
	Tuning    Tuning
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otelpkg.Metrics

	// Now overrides the clock, for tests driving simulated time.
	Now func() time.Time
}

// Overseer is the orchestration core. All state mutations funnel
// through the store's serialized Mutate path; the only external I/O is
// the worker runtime call made outside the lock with the dispatched
// status acting as the claim.
type Overseer struct {
	store   *store.Store
	runtime worker.Runtime
	gen     planner.Generator
	bus     *bus.Bus
	hooks   Hooks

	tuningMu sync.RWMutex
	tuning   Tuning

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
	nowFn   func() time.Time
}

// New builds an Overseer from the config.
func New(cfg Config) (*Overseer, error) {
	if cfg.Store == nil {
		return nil, errors.New("overseer: store is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("overseer: worker runtime is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Overseer{
		store:   cfg.Store,
		runtime: cfg.Runtime,
		gen:     cfg.Generator,
		bus:     cfg.Bus,
		hooks:   cfg.Hooks,
		tuning:  cfg.Tuning.withDefaults(),
		logger:  logger,
		tracer:  tracer,
		metrics: cfg.Metrics,
		nowFn:   nowFn,
	}, nil
}

func (o *Overseer) now() time.Time { return o.nowFn() }
func (o *Overseer) nowMs() int64   { return model.Millis(o.nowFn()) }

// SetTuning swaps reconciliation tuning, used by config live reload.
// The next tick observes the new values.
func (o *Overseer) SetTuning(t Tuning) {
	o.tuningMu.Lock()
	o.tuning = t.withDefaults()
	o.tuningMu.Unlock()
}

func (o *Overseer) tuningNow() Tuning {
	o.tuningMu.RLock()
	defer o.tuningMu.RUnlock()
	return o.tuning
}

// publish forwards to the bus when one is configured.
func (o *Overseer) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

func assignmentEvent(a *model.Assignment) bus.AssignmentEvent {
	return bus.AssignmentEvent{
		AssignmentID: a.ID,
		GoalID:       a.GoalID,
		WorkNodeID:   a.WorkNodeID,
		SessionKey:   a.SessionKey,
		Status:       string(a.Status),
		RetryCount:   a.RetryCount,
	}
}

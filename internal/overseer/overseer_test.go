package overseer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/planner"
	"github.com/basket/overseer/internal/store"
	"github.com/basket/overseer/internal/worker"
)

// fakeRuntime records dispatch and resume calls.
type fakeRuntime struct {
	mu         sync.Mutex
	dispatches []worker.DispatchRequest
	resumes    []worker.DispatchRequest
	cancelled  []string
	failNext   error
}

func (r *fakeRuntime) Dispatch(_ context.Context, req worker.DispatchRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return "", err
	}
	r.dispatches = append(r.dispatches, req)
	return fmt.Sprintf("run-%d", len(r.dispatches)), nil
}

func (r *fakeRuntime) Resume(_ context.Context, req worker.DispatchRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return "", err
	}
	r.resumes = append(r.resumes, req)
	return fmt.Sprintf("resume-%d", len(r.resumes)), nil
}

func (r *fakeRuntime) CancelSession(_ context.Context, sessionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, sessionKey)
	return nil
}

func (r *fakeRuntime) dispatchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatches)
}

func (r *fakeRuntime) resumeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resumes)
}

// fakeClock is a settable clock for driving the reconciler.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// hookCounts tallies hook invocations.
type hookCounts struct {
	active   int
	stalled  int
	done     int
	complete int
}

func (h *hookCounts) hooks() Hooks {
	return Hooks{
		OnAssignmentActive:  func(model.Assignment) { h.active++ },
		OnAssignmentStalled: func(model.Assignment) { h.stalled++ },
		OnAssignmentDone:    func(model.Assignment) { h.done++ },
		OnGoalCompleted:     func(model.Goal) { h.complete++ },
	}
}

type testEnv struct {
	o       *Overseer
	runtime *fakeRuntime
	clock   *fakeClock
	counts  *hookCounts
}

func newTestEnv(t *testing.T, tuning Tuning) *testEnv {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	st, err := store.Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := newFakeClock()
	runtime := &fakeRuntime{}
	counts := &hookCounts{}
	o, err := New(Config{
		Store:   st,
		Runtime: runtime,
		Hooks:   counts.hooks(),
		Tuning:  tuning,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new overseer: %v", err)
	}
	return &testEnv{o: o, runtime: runtime, clock: clock, counts: counts}
}

func taskNode(id string, deps ...string) *model.WorkNode {
	status := model.NodeStatusReady
	if len(deps) > 0 {
		status = model.NodeStatusPending
	}
	return &model.WorkNode{
		ID:        id,
		Kind:      model.NodeKindTask,
		Name:      id,
		Objective: "do " + id,
		DependsOn: deps,
		Status:    status,
	}
}

func planOf(nodes ...*model.WorkNode) *model.Plan {
	p := &model.Plan{Version: 1, Nodes: map[string]*model.WorkNode{}}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
		p.Order = append(p.Order, n.ID)
	}
	return p
}

// createGoal makes a goal with the given plan attached and returns its id.
func createGoal(t *testing.T, env *testEnv, plan *model.Plan) string {
	t.Helper()
	ctx := context.Background()
	res, err := env.o.CreateGoal(ctx, CreateGoalParams{
		Title:            "test goal",
		ProblemStatement: "something needs doing",
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if plan != nil {
		if err := env.o.AttachPlan(ctx, res.GoalID, plan); err != nil {
			t.Fatalf("attach plan: %v", err)
		}
	}
	return res.GoalID
}

func getAssignment(t *testing.T, env *testEnv, goalID, id string) model.Assignment {
	t.Helper()
	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	for _, a := range view.Assignments {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("assignment %s not found", id)
	return model.Assignment{}
}

func TestCreateGoal_NoPlan(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	res, err := env.o.CreateGoal(context.Background(), CreateGoalParams{
		Title:            "plain goal",
		ProblemStatement: "no plan wanted",
		GeneratePlan:     false,
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if res.PlanGenerated {
		t.Fatal("expected planGenerated=false")
	}
	view, err := env.o.GoalStatus(res.GoalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Plan != nil {
		t.Fatal("expected no plan on the goal")
	}
	if view.Goal.Status != model.GoalStatusProposed {
		t.Fatalf("got status %s, want proposed", view.Goal.Status)
	}
}

func TestCreateGoal_GeneratedPlan(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	env.o.gen = &planner.Outline{Now: env.clock.Now}
	res, err := env.o.CreateGoal(context.Background(), CreateGoalParams{
		Title:            "planned goal",
		ProblemStatement: "needs phases",
		SuccessCriteria:  []string{"it works"},
		GeneratePlan:     true,
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if !res.PlanGenerated {
		t.Fatal("expected planGenerated=true")
	}
	view, err := env.o.GoalStatus(res.GoalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Plan == nil || len(view.Goal.Plan.Nodes) == 0 {
		t.Fatal("expected a non-empty generated plan")
	}
}

func TestCreateGoal_GeneratorFailureNonFatal(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	env.o.gen = planner.GeneratorFunc(func(context.Context, planner.GoalSeed) (*model.Plan, error) {
		return nil, errors.New("model unavailable")
	})
	res, err := env.o.CreateGoal(context.Background(), CreateGoalParams{
		Title:            "goal",
		ProblemStatement: "problem",
		GeneratePlan:     true,
	})
	if err != nil {
		t.Fatalf("goal creation must survive generator failure, got %v", err)
	}
	if res.PlanGenerated {
		t.Fatal("expected planGenerated=false after generator failure")
	}
}

func TestCreateGoal_MissingTitle(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	_, err := env.o.CreateGoal(context.Background(), CreateGoalParams{ProblemStatement: "p"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	first, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	second, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("got two assignments %s and %s, want one", first.ID, second.ID)
	}
	if got := env.runtime.dispatchCount(); got != 1 {
		t.Fatalf("worker dispatched %d times, want 1", got)
	}
}

func TestDispatch_DeterministicSessionKey(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	a, err := env.o.Dispatch(context.Background(), goalID, "a", DispatchParams{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := worker.SessionKey(goalID, "a")
	if a.SessionKey != want {
		t.Fatalf("got session key %q, want %q", a.SessionKey, want)
	}
}

func TestDispatch_UnmetDependencies(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a"), taskNode("b", "a")))
	_, err := env.o.Dispatch(context.Background(), goalID, "b", DispatchParams{})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestDispatch_UnknownGoal(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	_, err := env.o.Dispatch(context.Background(), "nope", "a", DispatchParams{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestTick_StallAfterGraceWindow(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	env.clock.Advance(3 * time.Second)
	report, err := env.o.Tick(ctx, "test")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Stalled != 1 {
		t.Fatalf("got %d stalls, want 1", report.Stalled)
	}

	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusStalled {
		t.Fatalf("got status %s, want stalled", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("got retryCount %d, want 1", got.RetryCount)
	}
	if got.BackoffUntil < got.LastRetryAt {
		t.Fatalf("backoffUntil %d before lastRetryAt %d", got.BackoffUntil, got.LastRetryAt)
	}
	if env.counts.stalled != 1 {
		t.Fatalf("onAssignmentStalled fired %d times, want 1", env.counts.stalled)
	}

	// A second tick without further time passing must not restall.
	if _, err := env.o.Tick(ctx, "again"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if env.counts.stalled != 1 {
		t.Fatalf("stall hook fired again on idempotent tick: %d", env.counts.stalled)
	}
}

func TestTick_IdleWithinGraceNoTransition(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env.clock.Advance(1500 * time.Millisecond)
	report, err := env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Idle != 1 || report.Stalled != 0 {
		t.Fatalf("got idle=%d stalled=%d, want 1/0", report.Idle, report.Stalled)
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusDispatched {
		t.Fatalf("got status %s, want dispatched", got.Status)
	}
}

func TestTick_RedispatchAfterBackoff(t *testing.T) {
	env := newTestEnv(t, Tuning{BackoffBase: 10 * time.Second})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env.clock.Advance(3 * time.Second)
	if _, err := env.o.Tick(ctx, ""); err != nil {
		t.Fatalf("tick: %v", err)
	}
	stalled := getAssignment(t, env, goalID, a.ID)
	if stalled.Status != model.AssignmentStatusStalled {
		t.Fatalf("got status %s, want stalled", stalled.Status)
	}

	// Backoff has not elapsed yet; nothing redispatches.
	report, err := env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Redispatched != 0 {
		t.Fatal("redispatched before backoff elapsed")
	}

	env.clock.Advance(11 * time.Second)
	report, err = env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Redispatched != 1 {
		t.Fatalf("got %d redispatches, want 1", report.Redispatched)
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusDispatched {
		t.Fatalf("got status %s, want dispatched", got.Status)
	}
	if got.LastRetryAt <= stalled.LastDispatchAt {
		t.Fatal("lastRetryAt not updated on redispatch")
	}
	if got.BackoffUntil != 0 {
		t.Fatalf("backoffUntil not cleared: %d", got.BackoffUntil)
	}
	if env.runtime.resumeCount() != 1 {
		t.Fatalf("got %d resume calls, want 1", env.runtime.resumeCount())
	}

	// Activity after redispatch flips the assignment active.
	if err := env.o.ObserveActivity(ctx, got.SessionKey); err != nil {
		t.Fatalf("observe activity: %v", err)
	}
	if env.counts.active != 1 {
		t.Fatalf("onAssignmentActive fired %d times, want 1", env.counts.active)
	}
	got = getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusActive {
		t.Fatalf("got status %s, want active", got.Status)
	}
}

func TestTick_RetryCeilingEscalates(t *testing.T) {
	env := newTestEnv(t, Tuning{MaxRetries: 2, BackoffBase: time.Second})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Stall and redispatch until the retry count reaches the ceiling.
	for i := 0; i < 2; i++ {
		env.clock.Advance(time.Hour)
		if _, err := env.o.Tick(ctx, "stall"); err != nil {
			t.Fatalf("tick: %v", err)
		}
		env.clock.Advance(time.Hour)
		if _, err := env.o.Tick(ctx, "redispatch"); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.RetryCount != 2 {
		t.Fatalf("got retryCount %d, want 2", got.RetryCount)
	}

	// The next stall parks the assignment for operator action.
	env.clock.Advance(time.Hour)
	report, err := env.o.Tick(ctx, "final stall")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("got %d escalations, want 1", report.Escalated)
	}
	got = getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusStalled {
		t.Fatalf("got status %s, want stalled", got.Status)
	}
	if got.BackoffUntil != 0 {
		t.Fatal("escalated assignment must not schedule a redispatch")
	}
	if got.RetryCount != 2 {
		t.Fatalf("retryCount moved past ceiling: %d", got.RetryCount)
	}

	// No tick ever redispatches it again.
	env.clock.Advance(24 * time.Hour)
	report, err = env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Redispatched != 0 {
		t.Fatal("escalated assignment was redispatched")
	}
}

func TestTick_EscalateOnlyPolicy(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	err = env.o.store.Mutate(ctx, func(st *store.State) error {
		st.Assignments[a.ID].RecoveryPolicy = model.RecoveryEscalateOnly
		return nil
	})
	if err != nil {
		t.Fatalf("set policy: %v", err)
	}

	env.clock.Advance(time.Hour)
	report, err := env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("got %d escalations, want 1", report.Escalated)
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.RetryCount != 0 {
		t.Fatalf("escalate-only policy must not count retries, got %d", got.RetryCount)
	}
}

func TestDispatchFailure_AbsorbedAsStallCandidate(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()
	env.runtime.failNext = errors.New("session start failed")

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch must absorb runtime failure, got %v", err)
	}

	// The very next tick sees the backdated activity clock and stalls it.
	report, err := env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Stalled != 1 {
		t.Fatalf("got %d stalls, want 1", report.Stalled)
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusStalled {
		t.Fatalf("got status %s, want stalled", got.Status)
	}
}

func TestWorkUpdate_DoneClosesAssignment(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	phase := &model.WorkNode{ID: "p", Kind: model.NodeKindPhase, Name: "phase", Status: model.NodeStatusReady}
	task := &model.WorkNode{ID: "t", ParentID: "p", Kind: model.NodeKindTask, Name: "task", Status: model.NodeStatusReady}
	goalID := createGoal(t, env, planOf(phase, task))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "t", DispatchParams{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID:     goalID,
		WorkNodeID: "t",
		Status:     model.NodeStatusDone,
		Summary:    "finished the task",
	})
	if err != nil {
		t.Fatalf("work update: %v", err)
	}
	if !res.AssignmentDone {
		t.Fatal("expected assignment closure")
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusDone {
		t.Fatalf("got status %s, want done", got.Status)
	}
	if env.counts.done != 1 {
		t.Fatalf("onAssignmentDone fired %d times, want 1", env.counts.done)
	}

	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Plan.Node("t").Status != model.NodeStatusDone {
		t.Fatal("node not done")
	}
	// Parent completion is never inferred from child completion.
	if view.Goal.Plan.Node("p").Status == model.NodeStatusDone {
		t.Fatal("parent phase must not auto-complete")
	}
}

func TestWorkUpdate_ReleasesDependents(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a"), taskNode("b", "a")))
	ctx := context.Background()

	if _, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID:     goalID,
		WorkNodeID: "a",
		Status:     model.NodeStatusDone,
	})
	if err != nil {
		t.Fatalf("work update: %v", err)
	}
	if len(res.NewlyReady) != 1 || res.NewlyReady[0] != "b" {
		t.Fatalf("got newly ready %v, want [b]", res.NewlyReady)
	}
	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Plan.Node("b").Status != model.NodeStatusReady {
		t.Fatalf("dependent status %s, want ready", view.Goal.Plan.Node("b").Status)
	}
}

func TestWorkUpdate_GoalCompletion(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a"), taskNode("b", "a")))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := env.o.Dispatch(ctx, goalID, id, DispatchParams{}); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
		res, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
			GoalID:     goalID,
			WorkNodeID: id,
			Status:     model.NodeStatusDone,
		})
		if err != nil {
			t.Fatalf("work update %s: %v", id, err)
		}
		if id == "b" && !res.GoalCompleted {
			t.Fatal("expected goal completion on the final node")
		}
	}
	if env.counts.complete != 1 {
		t.Fatalf("onGoalCompleted fired %d times, want 1", env.counts.complete)
	}
	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Status != model.GoalStatusCompleted {
		t.Fatalf("got goal status %s, want completed", view.Goal.Status)
	}
}

func TestWorkUpdate_TerminalNodeNeverReopens(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	if _, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Status: model.NodeStatusDone,
	}); err != nil {
		t.Fatalf("work update: %v", err)
	}
	_, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Status: model.NodeStatusInProgress,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestWorkUpdate_DoneRequiresDependenciesDone(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a"), taskNode("b", "a")))
	ctx := context.Background()

	_, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "b", Status: model.NodeStatusDone,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if got := view.Goal.Plan.Node("b").Status; got == model.NodeStatusDone {
		t.Fatalf("node b reached done with dependency a still %s", view.Goal.Plan.Node("a").Status)
	}

	if _, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Status: model.NodeStatusDone,
	}); err != nil {
		t.Fatalf("work update a: %v", err)
	}
	if _, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "b", Status: model.NodeStatusDone,
	}); err != nil {
		t.Fatalf("work update b after a done: %v", err)
	}
}

func TestWorkUpdate_BlockedRequiresReason(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	_, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Status: model.NodeStatusBlocked,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}

	res, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Status: model.NodeStatusBlocked,
		BlockedReason: "waiting on credentials",
	})
	if err != nil {
		t.Fatalf("work update with reason: %v", err)
	}
	if res.Node.BlockedReason != "waiting on credentials" {
		t.Fatalf("blocked reason %q not carried", res.Node.BlockedReason)
	}
}

func TestWorkUpdate_RefreshesLiveness(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env.clock.Advance(2500 * time.Millisecond)
	if _, err := env.o.WorkUpdate(ctx, WorkUpdateParams{
		GoalID: goalID, WorkNodeID: "a", Summary: "still at it",
	}); err != nil {
		t.Fatalf("work update: %v", err)
	}
	report, err := env.o.Tick(ctx, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Stalled != 0 {
		t.Fatal("progress report did not refresh the liveness clock")
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusActive {
		t.Fatalf("got status %s, want active after a progress report", got.Status)
	}
}

func TestCrystallize_SeedsRedispatch(t *testing.T) {
	env := newTestEnv(t, Tuning{BackoffBase: time.Second})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := env.o.Crystallize(ctx, CrystallizeParams{
		GoalID:      goalID,
		WorkNodeID:  "a",
		Summary:     "halfway there",
		NextActions: []string{"finish the rest"},
	}); err != nil {
		t.Fatalf("crystallize: %v", err)
	}

	env.clock.Advance(time.Hour)
	if _, err := env.o.Tick(ctx, ""); err != nil {
		t.Fatalf("tick: %v", err)
	}
	env.clock.Advance(time.Hour)
	if _, err := env.o.Tick(ctx, ""); err != nil {
		t.Fatalf("tick: %v", err)
	}

	env.runtime.mu.Lock()
	defer env.runtime.mu.Unlock()
	if len(env.runtime.resumes) != 1 {
		t.Fatalf("got %d resume calls, want 1", len(env.runtime.resumes))
	}
	req := env.runtime.resumes[0]
	if req.Resume == nil || req.Resume.Summary != "halfway there" {
		t.Fatalf("redispatch not seeded with the latest crystallization: %+v", req.Resume)
	}
	if req.SessionKey != a.SessionKey {
		t.Fatalf("resumed session %q, want %q", req.SessionKey, a.SessionKey)
	}
}

func TestCrystallize_RequiresSubstance(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	_, err := env.o.Crystallize(context.Background(), CrystallizeParams{GoalID: goalID, WorkNodeID: "a"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCancelAssignment_ReleasesNode(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := env.o.CancelAssignment(ctx, a.ID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := getAssignment(t, env, goalID, a.ID)
	if got.Status != model.AssignmentStatusCancelled {
		t.Fatalf("got status %s, want cancelled", got.Status)
	}
	view, err := env.o.GoalStatus(goalID)
	if err != nil {
		t.Fatalf("goal status: %v", err)
	}
	if view.Goal.Plan.Node("a").Status != model.NodeStatusReady {
		t.Fatal("cancelled node must return to ready")
	}
	env.runtime.mu.Lock()
	cancelled := len(env.runtime.cancelled)
	env.runtime.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("runtime cancel called %d times, want 1", cancelled)
	}

	// The node is dispatchable again with a fresh assignment.
	b, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{})
	if err != nil {
		t.Fatalf("redispatch after cancel: %v", err)
	}
	if b.ID == a.ID {
		t.Fatal("expected a fresh assignment after cancel")
	}
}

func TestBackoff_MonotonicUntilCap(t *testing.T) {
	tn := Tuning{BackoffBase: 30 * time.Second, BackoffCap: 4 * time.Minute}.withDefaults()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := tn.backoffFor(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > tn.BackoffCap {
			t.Fatalf("backoff exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if got := tn.backoffFor(8); got != tn.BackoffCap {
		t.Fatalf("got %v at attempt 8, want cap %v", got, tn.BackoffCap)
	}
}

func TestStatus_StalledAlwaysListed(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, planOf(taskNode("a")))
	ctx := context.Background()

	a, err := env.o.Dispatch(ctx, goalID, "a", DispatchParams{IdleAfterMs: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env.clock.Advance(time.Hour)
	if _, err := env.o.Tick(ctx, ""); err != nil {
		t.Fatalf("tick: %v", err)
	}

	ov, err := env.o.Status(StatusOptions{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(ov.StalledAssignments) != 1 || ov.StalledAssignments[0].ID != a.ID {
		t.Fatalf("stalled assignment missing from overview: %+v", ov.StalledAssignments)
	}
	if len(ov.Goals) != 0 {
		t.Fatal("goals included without opt-in")
	}

	ov, err = env.o.Status(StatusOptions{IncludeGoals: true, IncludeAssignments: true})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(ov.Goals) != 1 {
		t.Fatalf("got %d goals, want 1", len(ov.Goals))
	}
	if ov.OpenAssignmentCount != 1 {
		t.Fatalf("got %d open assignments, want 1", ov.OpenAssignmentCount)
	}
}

func TestGoalStatus_UnknownGoal(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	_, err := env.o.GoalStatus("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateGoal_PartialFields(t *testing.T) {
	env := newTestEnv(t, Tuning{})
	goalID := createGoal(t, env, nil)
	title := "renamed"
	prio := model.PriorityHigh
	updated, err := env.o.UpdateGoal(context.Background(), goalID, UpdateGoalParams{
		Title:    &title,
		Priority: &prio,
	})
	if err != nil {
		t.Fatalf("update goal: %v", err)
	}
	if updated.Title != "renamed" || updated.Priority != model.PriorityHigh {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.ProblemStatement == "" {
		t.Fatal("untouched field was cleared")
	}
}

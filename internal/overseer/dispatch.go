package overseer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/store"
	"github.com/basket/overseer/internal/worker"
)

// graceMs returns the stall threshold for an idle tolerance.
func (o *Overseer) graceMs(idleAfterMs int64) int64 {
	return idleAfterMs * int64(o.tuningNow().GraceMultiplier)
}

// DispatchParams tunes a single dispatch. Zero values fall back to the
// node's suggested agent and the configured idle tolerance.
type DispatchParams struct {
	AgentID     string
	IdleAfterMs int64
}

// Dispatch binds a ready work node to a worker session and starts it.
// Calling it again while an assignment is outstanding is a no-op that
// returns the existing assignment: that idempotency guard, not the
// scheduler, is what prevents double dispatch under concurrent ticks.
func (o *Overseer) Dispatch(ctx context.Context, goalID, workNodeID string, p DispatchParams) (model.Assignment, error) {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "overseer.dispatch",
		otelpkg.AttrGoalID.String(goalID),
		otelpkg.AttrWorkNodeID.String(workNodeID),
	)
	defer span.End()

	var (
		claimed   model.Assignment
		created   bool
		resume    *model.Crystallization
		objective string
	)
	err := o.store.Mutate(ctx, func(st *store.State) error {
		goal := st.Goals[goalID]
		if goal == nil {
			return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
		}
		node := goal.Plan.Node(workNodeID)
		if node == nil {
			return fmt.Errorf("%w: work node %s in goal %s", ErrNotFound, workNodeID, goalID)
		}

		// Idempotency guard: one open assignment per node.
		if existing := st.OpenAssignmentForNode(goalID, workNodeID); existing != nil {
			claimed = *existing
			return nil
		}

		dispatchable := node.Status == model.NodeStatusReady ||
			(node.Status == model.NodeStatusBlocked && goal.Plan.DependenciesDone(node))
		if !dispatchable {
			return fmt.Errorf("%w: work node %s is %s with unmet dependencies", ErrInvalidState, workNodeID, node.Status)
		}

		now := o.nowMs()
		idleAfter := p.IdleAfterMs
		if idleAfter <= 0 {
			idleAfter = o.tuningNow().DefaultIdleAfter.Milliseconds()
		}
		agentID := p.AgentID
		if agentID == "" {
			agentID = node.SuggestedAgent
		}

		// Session continuity: a prior crystallization naming a session
		// wins over the deterministic key.
		sessionKey := worker.SessionKey(goalID, workNodeID)
		if latest := st.LatestCrystallizationForNode(goalID, workNodeID); latest != nil {
			if latest.SessionKey != "" {
				sessionKey = latest.SessionKey
			}
			resume = latest
		}

		a := &model.Assignment{
			ID:                     uuid.NewString(),
			GoalID:                 goalID,
			WorkNodeID:             workNodeID,
			Status:                 model.AssignmentStatusDispatched,
			AgentID:                agentID,
			SessionKey:             sessionKey,
			CreatedAt:              now,
			UpdatedAt:              now,
			LastDispatchAt:         now,
			LastObservedActivityAt: now,
			ExpectedNextUpdateAt:   now + idleAfter,
			IdleAfterMs:            idleAfter,
			RecoveryPolicy:         model.RecoveryRetry,
		}
		st.Assignments[a.ID] = a

		node.Status = model.NodeStatusInProgress
		node.BlockedReason = ""
		if node.StartedAt == 0 {
			node.StartedAt = now
		}
		node.UpdatedAt = now
		if goal.Status == model.GoalStatusProposed {
			goal.Status = model.GoalStatusActive
		}
		goal.UpdatedAt = now

		claimed = *a
		created = true
		objective = node.Objective
		o.recordEvent(st, model.EventAssignmentDispatched, goalID, a.ID, workNodeID, sessionKey)
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}
	if !created {
		return claimed, nil
	}

	if o.metrics != nil {
		o.metrics.Dispatches.Add(ctx, 1)
		o.metrics.OpenAssignments.Add(ctx, 1)
	}
	o.publish(bus.TopicAssignmentDispatched, assignmentEvent(&claimed))
	o.logger.Info("assignment dispatched",
		"goal_id", goalID, "work_node_id", workNodeID,
		"assignment_id", claimed.ID, "session_key", claimed.SessionKey,
		"trace_id", shared.TraceID(ctx))

	// The runtime call happens outside the store lock; the dispatched
	// status above is the claim that keeps a second dispatch out.
	o.startWorker(ctx, claimed, objective, resume, false)
	return claimed, nil
}

// Redispatch re-enters the worker session for a stalled assignment,
// seeding it with the latest crystallization. Backoff must have
// elapsed; the reconciler guarantees that on its own path and operators
// hit ErrInvalidState if they race it.
func (o *Overseer) Redispatch(ctx context.Context, assignmentID string) (model.Assignment, error) {
	var (
		claimed   model.Assignment
		resume    *model.Crystallization
		objective string
	)
	err := o.store.Mutate(ctx, func(st *store.State) error {
		a := st.Assignments[assignmentID]
		if a == nil {
			return fmt.Errorf("%w: assignment %s", ErrNotFound, assignmentID)
		}
		if a.Status != model.AssignmentStatusStalled {
			return fmt.Errorf("%w: assignment %s is %s, only stalled assignments redispatch", ErrInvalidState, assignmentID, a.Status)
		}
		now := o.nowMs()
		if a.BackoffUntil > now {
			return fmt.Errorf("%w: assignment %s backing off for another %dms", ErrInvalidState, assignmentID, a.BackoffUntil-now)
		}
		o.claimRedispatch(st, a, now)
		claimed = *a
		resume = st.LatestCrystallizationForNode(a.GoalID, a.WorkNodeID)
		if goal := st.Goals[a.GoalID]; goal != nil {
			if node := goal.Plan.Node(a.WorkNodeID); node != nil {
				objective = node.Objective
			}
		}
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}

	if o.metrics != nil {
		o.metrics.Redispatches.Add(ctx, 1)
	}
	o.publish(bus.TopicAssignmentRetried, assignmentEvent(&claimed))
	o.logger.Info("assignment redispatched",
		"assignment_id", claimed.ID, "retry_count", claimed.RetryCount,
		"session_key", claimed.SessionKey)

	o.startWorker(ctx, claimed, objective, resume, true)
	return claimed, nil
}

// claimRedispatch flips a stalled assignment back to dispatched and
// resets its liveness clock. Caller holds the store lock.
func (o *Overseer) claimRedispatch(st *store.State, a *model.Assignment, now int64) {
	a.Status = model.AssignmentStatusDispatched
	a.LastDispatchAt = now
	a.LastRetryAt = now
	a.BackoffUntil = 0
	a.BlockedReason = ""
	a.LastObservedActivityAt = now
	a.ExpectedNextUpdateAt = now + a.IdleAfterMs
	a.UpdatedAt = now
	o.recordEvent(st, model.EventAssignmentRetried, a.GoalID, a.ID, a.WorkNodeID,
		fmt.Sprintf("retry %d", a.RetryCount))
}

// startWorker performs the external runtime call and absorbs failure:
// a failed start is not surfaced to the caller, it just leaves the
// assignment overdue so the next tick treats it as a stall candidate.
func (o *Overseer) startWorker(ctx context.Context, a model.Assignment, objective string, resume *model.Crystallization, isResume bool) {
	req := worker.DispatchRequest{
		SessionKey: a.SessionKey,
		GoalID:     a.GoalID,
		WorkNodeID: a.WorkNodeID,
		AgentID:    a.AgentID,
		Objective:  objective,
		Resume:     resume,
	}

	callCtx, span := otelpkg.StartClientSpan(ctx, o.tracer, "worker.dispatch",
		otelpkg.AttrSessionKey.String(a.SessionKey),
		otelpkg.AttrAssignmentID.String(a.ID),
	)
	var (
		runID string
		err   error
	)
	if isResume {
		runID, err = o.runtime.Resume(callCtx, req)
	} else {
		runID, err = o.runtime.Dispatch(callCtx, req)
	}
	span.End()

	merr := o.store.Mutate(ctx, func(st *store.State) error {
		cur := st.Assignments[a.ID]
		if cur == nil || cur.Status != model.AssignmentStatusDispatched {
			// Closed or transitioned while the call was in flight.
			return nil
		}
		now := o.nowMs()
		if err != nil {
			// Backdate the activity clock past the grace window; the
			// reconciler picks this up as a stall candidate.
			cur.LastObservedActivityAt = now - o.graceMs(cur.IdleAfterMs) - 1
			cur.ExpectedNextUpdateAt = now
			cur.BlockedReason = fmt.Sprintf("dispatch failed: %v", err)
			cur.UpdatedAt = now
			return nil
		}
		cur.RunID = runID
		cur.UpdatedAt = now
		return nil
	})
	if merr != nil {
		o.logger.Error("recording dispatch outcome failed", "assignment_id", a.ID, "error", merr)
	}
	if err != nil {
		o.logger.Warn("worker dispatch failed, absorbed as stall candidate",
			"assignment_id", a.ID, "session_key", a.SessionKey, "error", err)
	}
}

// ObserveActivity records worker liveness for every open assignment on
// a session. A dispatched assignment becomes active on its first
// observed heartbeat, which is when OnAssignmentActive fires.
func (o *Overseer) ObserveActivity(ctx context.Context, sessionKey string) error {
	var activated []model.Assignment
	err := o.store.Mutate(ctx, func(st *store.State) error {
		now := o.nowMs()
		for _, a := range st.Assignments {
			if a.SessionKey != sessionKey || a.Status.Terminal() {
				continue
			}
			if now > a.LastObservedActivityAt {
				a.LastObservedActivityAt = now
			}
			a.ExpectedNextUpdateAt = now + a.IdleAfterMs
			a.UpdatedAt = now
			if a.Status == model.AssignmentStatusDispatched {
				a.Status = model.AssignmentStatusActive
				o.recordEvent(st, model.EventAssignmentActive, a.GoalID, a.ID, a.WorkNodeID, "")
				activated = append(activated, *a)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range activated {
		o.publish(bus.TopicAssignmentActive, assignmentEvent(&activated[i]))
		if o.hooks.OnAssignmentActive != nil {
			o.hooks.OnAssignmentActive(activated[i])
		}
	}
	return nil
}

// CancelAssignment closes an assignment at the model level and asks the
// runtime to stop the session cooperatively. The bound node returns to
// ready so a fresh dispatch remains possible.
func (o *Overseer) CancelAssignment(ctx context.Context, assignmentID, reason string) error {
	var cancelled model.Assignment
	err := o.store.Mutate(ctx, func(st *store.State) error {
		a := st.Assignments[assignmentID]
		if a == nil {
			return fmt.Errorf("%w: assignment %s", ErrNotFound, assignmentID)
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: assignment %s already %s", ErrInvalidState, assignmentID, a.Status)
		}
		now := o.nowMs()
		a.Status = model.AssignmentStatusCancelled
		a.BlockedReason = reason
		a.UpdatedAt = now
		if goal := st.Goals[a.GoalID]; goal != nil {
			if node := goal.Plan.Node(a.WorkNodeID); node != nil && node.Status == model.NodeStatusInProgress {
				node.Status = model.NodeStatusReady
				node.UpdatedAt = now
			}
		}
		cancelled = *a
		o.recordEvent(st, model.EventAssignmentCancelled, a.GoalID, a.ID, a.WorkNodeID, reason)
		return nil
	})
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.OpenAssignments.Add(ctx, -1)
	}
	o.publish(bus.TopicAssignmentCancelled, assignmentEvent(&cancelled))
	if cerr := o.runtime.CancelSession(ctx, cancelled.SessionKey); cerr != nil {
		o.logger.Warn("session cancel request failed", "session_key", cancelled.SessionKey, "error", cerr)
	}
	return nil
}

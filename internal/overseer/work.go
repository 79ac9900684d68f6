package overseer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/store"
)

// WorkUpdateParams is a worker's progress report on one node. All
// fields but the ids are optional; an update with neither a status
// change nor a summary still refreshes the liveness clock.
type WorkUpdateParams struct {
	GoalID        string
	WorkNodeID    string
	Status        model.NodeStatus
	BlockedReason string
	Summary       string
	Decisions     []string
	NextActions   []string
	OpenQuestions []string
	Blockers      []string
	Evidence      model.Evidence
}

// WorkUpdateResult reports what the update changed.
type WorkUpdateResult struct {
	Node            model.WorkNode
	Crystallization *model.Crystallization
	AssignmentDone  bool
	NewlyReady      []string
	GoalCompleted   bool
}

// WorkUpdate applies a worker progress report: it moves the node's
// status, appends a crystallization when the report carries substance,
// refreshes the bound assignment's liveness clock, and on a terminal
// node status closes the assignment and releases dependents. A done
// report is rejected while any dependency is unfinished, and a blocked
// report must carry a reason. Goal completion is checked here and
// nowhere else, so a goal completes in the same mutation as its last
// node.
func (o *Overseer) WorkUpdate(ctx context.Context, p WorkUpdateParams) (WorkUpdateResult, error) {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "overseer.work_update",
		otelpkg.AttrGoalID.String(p.GoalID),
		otelpkg.AttrWorkNodeID.String(p.WorkNodeID),
	)
	defer span.End()

	var (
		res       WorkUpdateResult
		closed    *model.Assignment
		activated *model.Assignment
		doneGoal  *model.Goal
	)
	err := o.store.Mutate(ctx, func(st *store.State) error {
		goal := st.Goals[p.GoalID]
		if goal == nil {
			return fmt.Errorf("%w: goal %s", ErrNotFound, p.GoalID)
		}
		node := goal.Plan.Node(p.WorkNodeID)
		if node == nil {
			return fmt.Errorf("%w: work node %s in goal %s", ErrNotFound, p.WorkNodeID, p.GoalID)
		}
		now := o.nowMs()

		if p.Status != "" {
			if err := validNodeTransition(node.Status, p.Status); err != nil {
				return err
			}
			if p.Status == model.NodeStatusDone && !goal.Plan.DependenciesDone(node) {
				return fmt.Errorf("%w: node %s has unfinished dependencies", ErrInvalidState, node.ID)
			}
			if p.Status == model.NodeStatusBlocked && p.BlockedReason == "" {
				return fmt.Errorf("%w: blocked status requires a reason", ErrInvalidArgument)
			}
			node.Status = p.Status
			if p.Status.Terminal() && node.EndedAt == 0 {
				node.EndedAt = now
			}
		}
		if p.BlockedReason != "" || p.Status == model.NodeStatusBlocked {
			node.BlockedReason = p.BlockedReason
		} else if p.Status != "" {
			node.BlockedReason = ""
		}
		node.UpdatedAt = now
		goal.UpdatedAt = now

		// Any report is evidence of life for the bound assignment.
		a := st.OpenAssignmentForNode(p.GoalID, p.WorkNodeID)
		if a != nil {
			a.LastObservedActivityAt = now
			a.ExpectedNextUpdateAt = now + a.IdleAfterMs
			a.UpdatedAt = now
			if a.Status == model.AssignmentStatusDispatched || a.Status == model.AssignmentStatusStalled {
				a.Status = model.AssignmentStatusActive
				a.BackoffUntil = 0
				a.BlockedReason = ""
				o.recordEvent(st, model.EventAssignmentActive, p.GoalID, a.ID, p.WorkNodeID, "")
				cp := *a
				activated = &cp
			}
		}

		if p.Summary != "" || !p.Evidence.Empty() {
			c := &model.Crystallization{
				ID:            uuid.NewString(),
				GoalID:        p.GoalID,
				WorkNodeID:    p.WorkNodeID,
				Summary:       p.Summary,
				CurrentState:  string(node.Status),
				Decisions:     p.Decisions,
				NextActions:   p.NextActions,
				OpenQuestions: p.OpenQuestions,
				KnownBlockers: p.Blockers,
				Evidence:      p.Evidence,
				CreatedAt:     now,
			}
			if a != nil {
				c.SessionKey = a.SessionKey
			}
			st.Crystallizations = append(st.Crystallizations, c)
			res.Crystallization = c
			o.recordEvent(st, model.EventCrystallized, p.GoalID, "", p.WorkNodeID, p.Summary)
		}

		if node.Status.Terminal() && a != nil {
			a.Status = model.AssignmentStatusDone
			a.UpdatedAt = now
			res.AssignmentDone = true
			cp := *a
			closed = &cp
			o.recordEvent(st, model.EventAssignmentDone, p.GoalID, a.ID, p.WorkNodeID, "")
		}

		if node.Status.Terminal() {
			res.NewlyReady = releaseDependents(goal.Plan, now)
			if goalComplete(goal.Plan) {
				goal.Status = model.GoalStatusCompleted
				goal.UpdatedAt = now
				res.GoalCompleted = true
				cp := *goal
				doneGoal = &cp
				o.recordEvent(st, model.EventGoalCompleted, p.GoalID, "", "", goal.Title)
			}
		}

		o.recordEvent(st, model.EventWorkUpdated, p.GoalID, "", p.WorkNodeID,
			fmt.Sprintf("status=%s", node.Status))
		res.Node = *node
		return nil
	})
	if err != nil {
		return WorkUpdateResult{}, err
	}

	if o.metrics != nil {
		o.metrics.WorkUpdates.Add(ctx, 1)
		if res.AssignmentDone {
			o.metrics.OpenAssignments.Add(ctx, -1)
		}
	}

	o.publish(bus.TopicWorkUpdated, bus.WorkEvent{
		GoalID:     p.GoalID,
		WorkNodeID: p.WorkNodeID,
		Status:     string(res.Node.Status),
		Summary:    p.Summary,
	})
	if res.Crystallization != nil {
		o.publish(bus.TopicCrystallized, bus.WorkEvent{
			GoalID:     p.GoalID,
			WorkNodeID: p.WorkNodeID,
			Summary:    p.Summary,
		})
	}
	if activated != nil {
		o.publish(bus.TopicAssignmentActive, assignmentEvent(activated))
		if o.hooks.OnAssignmentActive != nil {
			o.hooks.OnAssignmentActive(*activated)
		}
	}
	if closed != nil {
		o.publish(bus.TopicAssignmentDone, assignmentEvent(closed))
		if o.hooks.OnAssignmentDone != nil {
			o.hooks.OnAssignmentDone(*closed)
		}
	}
	if doneGoal != nil {
		o.publish(bus.TopicGoalCompleted, bus.GoalEvent{
			GoalID: doneGoal.ID,
			Title:  doneGoal.Title,
			Status: string(doneGoal.Status),
		})
		if o.hooks.OnGoalCompleted != nil {
			o.hooks.OnGoalCompleted(*doneGoal)
		}
	}
	return res, nil
}

// validNodeTransition gates worker-driven status changes. Terminal
// nodes never reopen through a work update; everything else is the
// worker's call.
func validNodeTransition(from, to model.NodeStatus) error {
	switch to {
	case model.NodeStatusPending, model.NodeStatusReady, model.NodeStatusInProgress,
		model.NodeStatusBlocked, model.NodeStatusDone, model.NodeStatusSkipped:
	default:
		return fmt.Errorf("%w: unknown node status %q", ErrInvalidArgument, to)
	}
	if from.Terminal() && from != to {
		return fmt.Errorf("%w: node is already %s", ErrInvalidState, from)
	}
	return nil
}

// releaseDependents promotes pending or blocked nodes whose
// dependencies are now all done, returning the ids that became ready.
func releaseDependents(p *model.Plan, now int64) []string {
	var ready []string
	for _, n := range p.NodesInOrder() {
		if n.Status != model.NodeStatusPending && n.Status != model.NodeStatusBlocked {
			continue
		}
		if !p.DependenciesDone(n) {
			continue
		}
		n.Status = model.NodeStatusReady
		n.BlockedReason = ""
		n.UpdatedAt = now
		ready = append(ready, n.ID)
	}
	return ready
}

// goalComplete reports whether every node in the plan reached a
// terminal status.
func goalComplete(p *model.Plan) bool {
	if p == nil || len(p.Nodes) == 0 {
		return false
	}
	for _, n := range p.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

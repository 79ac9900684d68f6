package overseer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/store"
)

// CrystallizeParams records a progress snapshot outside the work-update
// path, for workers that want to checkpoint without touching node
// status. WorkNodeID may be empty for goal-level snapshots.
type CrystallizeParams struct {
	GoalID        string
	WorkNodeID    string
	SessionKey    string
	Summary       string
	CurrentState  string
	Decisions     []string
	NextActions   []string
	OpenQuestions []string
	Blockers      []string
	Evidence      model.Evidence
}

// Crystallize appends an immutable snapshot to the goal's record. The
// snapshot is never mutated afterwards; the latest one per work node
// seeds the next redispatch.
func (o *Overseer) Crystallize(ctx context.Context, p CrystallizeParams) (model.Crystallization, error) {
	if p.Summary == "" && p.Evidence.Empty() {
		return model.Crystallization{}, fmt.Errorf("%w: crystallization needs a summary or evidence", ErrInvalidArgument)
	}
	var out model.Crystallization
	err := o.store.Mutate(ctx, func(st *store.State) error {
		goal := st.Goals[p.GoalID]
		if goal == nil {
			return fmt.Errorf("%w: goal %s", ErrNotFound, p.GoalID)
		}
		if p.WorkNodeID != "" && goal.Plan.Node(p.WorkNodeID) == nil {
			return fmt.Errorf("%w: work node %s in goal %s", ErrNotFound, p.WorkNodeID, p.GoalID)
		}
		sessionKey := p.SessionKey
		if sessionKey == "" && p.WorkNodeID != "" {
			if a := st.OpenAssignmentForNode(p.GoalID, p.WorkNodeID); a != nil {
				sessionKey = a.SessionKey
			}
		}
		c := &model.Crystallization{
			ID:            uuid.NewString(),
			GoalID:        p.GoalID,
			WorkNodeID:    p.WorkNodeID,
			SessionKey:    sessionKey,
			Summary:       p.Summary,
			CurrentState:  p.CurrentState,
			Decisions:     p.Decisions,
			NextActions:   p.NextActions,
			OpenQuestions: p.OpenQuestions,
			KnownBlockers: p.Blockers,
			Evidence:      p.Evidence,
			CreatedAt:     o.nowMs(),
		}
		st.Crystallizations = append(st.Crystallizations, c)
		o.recordEvent(st, model.EventCrystallized, p.GoalID, "", p.WorkNodeID, p.Summary)
		out = *c
		return nil
	})
	if err != nil {
		return model.Crystallization{}, err
	}
	o.publish(bus.TopicCrystallized, bus.WorkEvent{
		GoalID:     p.GoalID,
		WorkNodeID: p.WorkNodeID,
		Summary:    p.Summary,
	})
	return out, nil
}

// LatestCrystallization returns the newest snapshot for a work node, or
// nil when none was recorded yet.
func (o *Overseer) LatestCrystallization(goalID, workNodeID string) (*model.Crystallization, error) {
	var out *model.Crystallization
	err := o.store.View(func(st *store.State) {
		out = st.LatestCrystallizationForNode(goalID, workNodeID)
	})
	return out, err
}

package overseer

import (
	"github.com/google/uuid"

	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/store"
)

// recordEvent appends one audit record to the state. Events are
// observability only; nothing in the overseer reads them back to make
// a control decision.
func (o *Overseer) recordEvent(st *store.State, typ model.EventType, goalID, assignmentID, workNodeID, detail string) {
	st.Events = append(st.Events, &model.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Timestamp:    o.nowMs(),
		GoalID:       goalID,
		AssignmentID: assignmentID,
		WorkNodeID:   workNodeID,
		Detail:       detail,
	})
}

// recentEventsForGoal returns up to limit events for a goal, newest last.
func recentEventsForGoal(st *store.State, goalID string, limit int) []*model.Event {
	var out []*model.Event
	for _, ev := range st.Events {
		if ev.GoalID == goalID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

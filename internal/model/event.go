package model

type EventType string

// Event types recorded in the audit log. Control decisions never read
// the event log; it exists for observability only.
const (
	EventGoalCreated          EventType = "goal.created"
	EventGoalUpdated          EventType = "goal.updated"
	EventGoalCompleted        EventType = "goal.completed"
	EventPlanAttached         EventType = "plan.attached"
	EventAssignmentDispatched EventType = "assignment.dispatched"
	EventAssignmentActive     EventType = "assignment.active"
	EventAssignmentStalled    EventType = "assignment.stalled"
	EventAssignmentRetried    EventType = "assignment.retried"
	EventAssignmentEscalated  EventType = "assignment.escalated"
	EventAssignmentDone       EventType = "assignment.done"
	EventAssignmentCancelled  EventType = "assignment.cancelled"
	EventWorkUpdated          EventType = "work.updated"
	EventCrystallized         EventType = "crystallization.recorded"
	EventTick                 EventType = "tick"
)

// Event is one append-only audit record.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    int64     `json:"ts"`
	GoalID       string    `json:"goal_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	WorkNodeID   string    `json:"work_node_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

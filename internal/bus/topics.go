package bus

// Goal lifecycle topics.
const (
	TopicGoalCreated   = "goal.created"
	TopicGoalUpdated   = "goal.updated"
	TopicGoalCompleted = "goal.completed"
)

// Assignment lifecycle topics.
const (
	TopicAssignmentDispatched = "assignment.dispatched"
	TopicAssignmentActive     = "assignment.active"
	TopicAssignmentStalled    = "assignment.stalled"
	TopicAssignmentRetried    = "assignment.retried"
	TopicAssignmentEscalated  = "assignment.escalated"
	TopicAssignmentDone       = "assignment.done"
	TopicAssignmentCancelled  = "assignment.cancelled"
)

// Work progress topics.
const (
	TopicWorkUpdated  = "work.updated"
	TopicCrystallized = "work.crystallized"
)

// Notification topics republished by the notify bridge for external
// channel and dashboard consumers.
const (
	TopicNotifyEscalation = "notify.escalation"
	TopicNotifyCompletion = "notify.completion"
)

// GoalEvent is published on goal lifecycle topics.
type GoalEvent struct {
	GoalID string // Goal ID
	Title  string // Goal title
	Status string // Current goal status
}

// AssignmentEvent is published on assignment lifecycle topics.
type AssignmentEvent struct {
	AssignmentID string // Assignment ID
	GoalID       string // Owning goal ID
	WorkNodeID   string // Bound work node ID
	SessionKey   string // Worker session key
	Status       string // Current assignment status
	RetryCount   int    // Retries performed so far
}

// WorkEvent is published when a worker reports progress on a node.
type WorkEvent struct {
	GoalID     string // Goal ID
	WorkNodeID string // Work node ID
	Status     string // New node status, if changed
	Summary    string // Progress summary, if provided
}

// Notification is a rendered, human-readable message republished by the
// notify bridge.
type Notification struct {
	Kind         string // "escalation" or "completion"
	Text         string // Rendered message
	GoalID       string // Goal ID
	AssignmentID string // Assignment ID, empty for goal notifications
	Link         string // Dashboard deep link
}

package model

type AssignmentStatus string

const (
	AssignmentStatusDispatched AssignmentStatus = "dispatched"
	AssignmentStatusActive     AssignmentStatus = "active"
	AssignmentStatusStalled    AssignmentStatus = "stalled"
	AssignmentStatusDone       AssignmentStatus = "done"
	AssignmentStatusCancelled  AssignmentStatus = "cancelled"
)

// Terminal reports whether an assignment is closed. A stalled assignment
// is not terminal: a stall past the retry ceiling waits for operator
// action but can still be cancelled or manually redispatched.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentStatusDone || s == AssignmentStatusCancelled
}

type RecoveryPolicy string

const (
	// RecoveryRetry re-dispatches a stalled assignment after backoff
	// until the retry ceiling is reached.
	RecoveryRetry RecoveryPolicy = "retry"
	// RecoveryEscalateOnly never auto-redispatches; every stall is
	// surfaced for human action immediately.
	RecoveryEscalateOnly RecoveryPolicy = "escalate_only"
)

// Assignment binds exactly one work node to one worker session. At most
// one non-terminal assignment exists per work node at any time.
type Assignment struct {
	ID             string           `json:"id"`
	GoalID         string           `json:"goal_id"`
	WorkNodeID     string           `json:"work_node_id"`
	Status         AssignmentStatus `json:"status"`
	AgentID        string           `json:"agent_id,omitempty"`
	SessionKey     string           `json:"session_key"`
	RunID          string           `json:"run_id,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	LastDispatchAt int64            `json:"last_dispatch_at,omitempty"`

	// Liveness tracking. An assignment with no observed activity for
	// longer than IdleAfterMs is idle; past the grace window it stalls.
	LastObservedActivityAt int64 `json:"last_observed_activity_at,omitempty"`
	ExpectedNextUpdateAt   int64 `json:"expected_next_update_at,omitempty"`
	IdleAfterMs            int64 `json:"idle_after_ms"`

	// Retry state. RetryCount never decreases; BackoffUntil is always
	// >= LastRetryAt when set.
	RetryCount     int            `json:"retry_count"`
	LastRetryAt    int64          `json:"last_retry_at,omitempty"`
	BackoffUntil   int64          `json:"backoff_until,omitempty"`
	RecoveryPolicy RecoveryPolicy `json:"recovery_policy,omitempty"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
}

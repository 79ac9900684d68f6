// Package model defines the persistent data model for the overseer:
// goals, plans, work nodes, assignments, crystallizations and events.
// All timestamps are epoch milliseconds.
package model

import "time"

type GoalStatus string

const (
	GoalStatusProposed  GoalStatus = "proposed"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusBlocked   GoalStatus = "blocked"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusAbandoned GoalStatus = "abandoned"
)

// Terminal reports whether the goal can no longer change state.
func (s GoalStatus) Terminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusAbandoned
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Goal is the top-level unit of intent. A goal owns at most one plan;
// plan regeneration replaces it wholesale.
type Goal struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	ProblemStatement string     `json:"problem_statement"`
	SuccessCriteria  []string   `json:"success_criteria,omitempty"`
	NonGoals         []string   `json:"non_goals,omitempty"`
	Constraints      []string   `json:"constraints,omitempty"`
	Priority         Priority   `json:"priority,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	FromSession      string     `json:"from_session,omitempty"`
	RepoContext      string     `json:"repo_context,omitempty"`
	Status           GoalStatus `json:"status"`
	CreatedAt        int64      `json:"created_at"`
	UpdatedAt        int64      `json:"updated_at"`
	Plan             *Plan      `json:"plan,omitempty"`
}

// Millis converts a time to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

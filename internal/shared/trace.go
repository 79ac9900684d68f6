// Package shared carries request-scoped identifiers through contexts so
// log lines and spans across the overseer correlate.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type goalIDKey struct{}
type assignmentIDKey struct{}
type workNodeIDKey struct{}
type sessionKeyKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithGoalID attaches a goal_id to the context.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	return context.WithValue(ctx, goalIDKey{}, goalID)
}

// GoalID extracts goal_id from context. Returns "" if absent.
func GoalID(ctx context.Context) string {
	if v, ok := ctx.Value(goalIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAssignmentID attaches an assignment_id to the context.
func WithAssignmentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, assignmentIDKey{}, id)
}

// AssignmentID extracts assignment_id from context. Returns "" if absent.
func AssignmentID(ctx context.Context) string {
	if v, ok := ctx.Value(assignmentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkNodeID attaches a work_node_id to the context.
func WithWorkNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workNodeIDKey{}, id)
}

// WorkNodeID extracts work_node_id from context. Returns "" if absent.
func WorkNodeID(ctx context.Context) string {
	if v, ok := ctx.Value(workNodeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionKey attaches a worker session key to the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey{}, key)
}

// SessionKey extracts the worker session key from context. Returns "" if absent.
func SessionKey(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyKey{}).(string); ok {
		return v
	}
	return ""
}

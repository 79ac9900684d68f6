package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is the placeholder.
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-2")
	if got := TraceID(ctx); got != "trace-2" {
		t.Fatalf("expected trace-2, got %q", got)
	}
}

func TestGoalAndAssignmentIDs_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := GoalID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := AssignmentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}

	ctx = WithGoalID(ctx, "g1")
	ctx = WithAssignmentID(ctx, "a1")
	ctx = WithWorkNodeID(ctx, "n1")
	ctx = WithSessionKey(ctx, "goal:g1:node:n1")

	if got := GoalID(ctx); got != "g1" {
		t.Fatalf("expected g1, got %q", got)
	}
	if got := AssignmentID(ctx); got != "a1" {
		t.Fatalf("expected a1, got %q", got)
	}
	if got := WorkNodeID(ctx); got != "n1" {
		t.Fatalf("expected n1, got %q", got)
	}
	if got := SessionKey(ctx); got != "goal:g1:node:n1" {
		t.Fatalf("expected session key, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}

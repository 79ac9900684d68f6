// Package worker defines the seam between the overseer and the agent
// runtime that actually executes work inside a session. The overseer
// never talks to a concrete runtime; it dispatches and resumes through
// this interface and reads activity back through observation timestamps.
package worker

import (
	"context"
	"fmt"

	"github.com/basket/overseer/internal/model"
)

// DispatchRequest carries everything a runtime needs to start work on a
// node in a fresh or existing session.
type DispatchRequest struct {
	SessionKey string
	GoalID     string
	WorkNodeID string
	AgentID    string
	Objective  string
	// Resume holds the latest crystallization when re-dispatching after
	// a stall, so the worker picks up where the last run left off.
	Resume *model.Crystallization
}

// Runtime starts, resumes and cancels worker sessions. Dispatch and
// Resume may block on external I/O; the overseer never holds its state
// lock across these calls. Cancellation of in-flight work is
// cooperative: CancelSession marks intent and the runtime observes it.
type Runtime interface {
	// Dispatch starts work in the session named by the request and
	// returns a run id.
	Dispatch(ctx context.Context, req DispatchRequest) (runID string, err error)

	// Resume re-enters an existing session with resume context.
	Resume(ctx context.Context, req DispatchRequest) (runID string, err error)

	// CancelSession requests cooperative cancellation of a session.
	CancelSession(ctx context.Context, sessionKey string) error
}

// SessionKey derives the deterministic session key for a goal/node pair.
// Two dispatches of the same node always land in the same session unless
// a crystallization names a different one for continuity.
func SessionKey(goalID, workNodeID string) string {
	return fmt.Sprintf("goal:%s:node:%s", goalID, workNodeID)
}

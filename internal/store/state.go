// Package store persists the overseer's whole state as a single
// snapshot with atomic replace semantics, and serializes every mutation
// behind one lock so the snapshot is the only source of truth.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/basket/overseer/internal/model"
)

// State is the complete persisted state of the overseer. It is loaded
// and saved as a whole; partial writes never happen.
type State struct {
	Goals            map[string]*model.Goal       `json:"goals"`
	Assignments      map[string]*model.Assignment `json:"assignments"`
	Crystallizations []*model.Crystallization     `json:"crystallizations"`
	Events           []*model.Event               `json:"events"`
	SavedAt          int64                        `json:"saved_at,omitempty"`
}

// NewState returns an empty state with all maps initialized.
func NewState() *State {
	return &State{
		Goals:       map[string]*model.Goal{},
		Assignments: map[string]*model.Assignment{},
	}
}

// normalize fills nil maps after a decode so callers never index nil.
func (s *State) normalize() {
	if s.Goals == nil {
		s.Goals = map[string]*model.Goal{}
	}
	if s.Assignments == nil {
		s.Assignments = map[string]*model.Assignment{}
	}
}

// Clone returns a deep copy of the state via JSON round-trip. Snapshots
// handed to readers must not alias the live state.
func (s *State) Clone() (*State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out.normalize()
	return out, nil
}

// OpenAssignmentForNode returns the single non-terminal assignment bound
// to the given work node, or nil if none exists.
func (s *State) OpenAssignmentForNode(goalID, workNodeID string) *model.Assignment {
	for _, a := range s.Assignments {
		if a.GoalID == goalID && a.WorkNodeID == workNodeID && !a.Status.Terminal() {
			return a
		}
	}
	return nil
}

// LatestCrystallizationForNode returns the most recent crystallization
// recorded for a work node, or nil. Append order is creation order, so
// the last match wins.
func (s *State) LatestCrystallizationForNode(goalID, workNodeID string) *model.Crystallization {
	var latest *model.Crystallization
	for _, c := range s.Crystallizations {
		if c.GoalID == goalID && c.WorkNodeID == workNodeID {
			latest = c
		}
	}
	return latest
}

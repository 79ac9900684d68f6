package overseer

import (
	"fmt"
	"sort"

	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/store"
)

// StatusOptions selects which collections the overview carries.
type StatusOptions struct {
	IncludeGoals            bool
	IncludeAssignments      bool
	IncludeCrystallizations bool
}

// Overview is the platform-wide status snapshot. Stalled assignments
// are always present; the rest is opt-in.
type Overview struct {
	Timestamp           int64                   `json:"ts"`
	Goals               []model.Goal            `json:"goals,omitempty"`
	Assignments         []model.Assignment      `json:"assignments,omitempty"`
	StalledAssignments  []model.Assignment      `json:"stalled_assignments"`
	Crystallizations    []model.Crystallization `json:"crystallizations,omitempty"`
	OpenAssignmentCount int                     `json:"open_assignment_count"`
}

// GoalView is the full status of one goal.
type GoalView struct {
	Timestamp        int64                   `json:"ts"`
	Goal             model.Goal              `json:"goal"`
	Assignments      []model.Assignment      `json:"assignments"`
	Crystallizations []model.Crystallization `json:"crystallizations"`
	RecentEvents     []model.Event           `json:"recent_events"`
}

// recentEventLimit bounds the event tail returned per goal.
const recentEventLimit = 50

// Status returns the platform-wide overview.
func (o *Overseer) Status(opts StatusOptions) (Overview, error) {
	out := Overview{Timestamp: o.nowMs(), StalledAssignments: []model.Assignment{}}
	err := o.store.View(func(st *store.State) {
		for _, a := range st.Assignments {
			if !a.Status.Terminal() {
				out.OpenAssignmentCount++
			}
			if a.Status == model.AssignmentStatusStalled {
				out.StalledAssignments = append(out.StalledAssignments, *a)
			}
			if opts.IncludeAssignments && !a.Status.Terminal() {
				out.Assignments = append(out.Assignments, *a)
			}
		}
		if opts.IncludeGoals {
			for _, g := range st.Goals {
				out.Goals = append(out.Goals, *g)
			}
		}
		if opts.IncludeCrystallizations {
			for _, c := range st.Crystallizations {
				out.Crystallizations = append(out.Crystallizations, *c)
			}
		}
	})
	if err != nil {
		return Overview{}, err
	}
	sort.Slice(out.StalledAssignments, func(i, j int) bool {
		return out.StalledAssignments[i].UpdatedAt < out.StalledAssignments[j].UpdatedAt
	})
	sort.Slice(out.Assignments, func(i, j int) bool {
		return out.Assignments[i].CreatedAt < out.Assignments[j].CreatedAt
	})
	sort.Slice(out.Goals, func(i, j int) bool {
		return out.Goals[i].CreatedAt < out.Goals[j].CreatedAt
	})
	return out, nil
}

// GoalStatus returns the full view of one goal, including its plan,
// all its assignments, every crystallization and a recent event tail.
func (o *Overseer) GoalStatus(goalID string) (GoalView, error) {
	out := GoalView{
		Timestamp:        o.nowMs(),
		Assignments:      []model.Assignment{},
		Crystallizations: []model.Crystallization{},
		RecentEvents:     []model.Event{},
	}
	var found bool
	err := o.store.View(func(st *store.State) {
		g := st.Goals[goalID]
		if g == nil {
			return
		}
		found = true
		out.Goal = *g
		for _, a := range st.Assignments {
			if a.GoalID == goalID {
				out.Assignments = append(out.Assignments, *a)
			}
		}
		for _, c := range st.Crystallizations {
			if c.GoalID == goalID {
				out.Crystallizations = append(out.Crystallizations, *c)
			}
		}
		for _, ev := range recentEventsForGoal(st, goalID, recentEventLimit) {
			out.RecentEvents = append(out.RecentEvents, *ev)
		}
	})
	if err != nil {
		return GoalView{}, err
	}
	if !found {
		return GoalView{}, fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}
	sort.Slice(out.Assignments, func(i, j int) bool {
		return out.Assignments[i].CreatedAt < out.Assignments[j].CreatedAt
	})
	return out, nil
}

// Goals lists all goals sorted by creation time.
func (o *Overseer) Goals() ([]model.Goal, error) {
	var out []model.Goal
	err := o.store.View(func(st *store.State) {
		for _, g := range st.Goals {
			out = append(out, *g)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

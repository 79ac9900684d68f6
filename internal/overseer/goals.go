package overseer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/planner"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/store"
)

// CreateGoalParams carries everything needed to create a goal.
type CreateGoalParams struct {
	Title            string
	ProblemStatement string
	SuccessCriteria  []string
	Constraints      []string
	NonGoals         []string
	Priority         model.Priority
	Tags             []string
	Owner            string
	FromSession      string
	RepoContext      string
	GeneratePlan     bool
}

// CreateGoalResult reports the new goal id and whether a plan was
// generated. Generator failure is non-fatal: the goal exists either way.
type CreateGoalResult struct {
	GoalID        string
	PlanGenerated bool
}

// CreateGoal creates a goal and, when requested, invokes the plan
// generator. Generation runs before the state lock is taken; only the
// insert is serialized.
func (o *Overseer) CreateGoal(ctx context.Context, p CreateGoalParams) (CreateGoalResult, error) {
	if strings.TrimSpace(p.Title) == "" {
		return CreateGoalResult{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.ProblemStatement) == "" {
		return CreateGoalResult{}, fmt.Errorf("%w: problem statement is required", ErrInvalidArgument)
	}

	goalID := uuid.NewString()
	ctx = shared.WithGoalID(ctx, goalID)

	var plan *model.Plan
	planGenerated := false
	if p.GeneratePlan && o.gen != nil {
		generated, err := o.gen.Generate(ctx, planner.GoalSeed{
			GoalID:           goalID,
			Title:            p.Title,
			ProblemStatement: p.ProblemStatement,
			SuccessCriteria:  p.SuccessCriteria,
			Constraints:      p.Constraints,
			RepoContext:      p.RepoContext,
		})
		switch {
		case err != nil:
			o.logger.Warn("plan generation failed, goal created without plan",
				"goal_id", goalID, "error", err)
		case generated != nil:
			if verr := generated.Validate(); verr != nil {
				o.logger.Warn("generated plan rejected", "goal_id", goalID, "error", verr)
			} else {
				plan = generated
				planGenerated = true
			}
		}
	}

	now := o.nowMs()
	goal := &model.Goal{
		ID:               goalID,
		Title:            p.Title,
		ProblemStatement: p.ProblemStatement,
		SuccessCriteria:  p.SuccessCriteria,
		Constraints:      p.Constraints,
		NonGoals:         p.NonGoals,
		Priority:         p.Priority,
		Tags:             p.Tags,
		Owner:            p.Owner,
		FromSession:      p.FromSession,
		RepoContext:      p.RepoContext,
		Status:           model.GoalStatusProposed,
		CreatedAt:        now,
		UpdatedAt:        now,
		Plan:             plan,
	}

	err := o.store.Mutate(ctx, func(st *store.State) error {
		st.Goals[goalID] = goal
		o.recordEvent(st, model.EventGoalCreated, goalID, "", "", goal.Title)
		if plan != nil {
			o.recordEvent(st, model.EventPlanAttached, goalID, "", "", fmt.Sprintf("version %d", plan.Version))
		}
		return nil
	})
	if err != nil {
		return CreateGoalResult{}, err
	}

	o.publish(bus.TopicGoalCreated, bus.GoalEvent{GoalID: goalID, Title: goal.Title, Status: string(goal.Status)})
	o.logger.Info("goal created", "goal_id", goalID, "plan_generated", planGenerated)
	return CreateGoalResult{GoalID: goalID, PlanGenerated: planGenerated}, nil
}

// UpdateGoalParams holds targeted field updates. Nil means "leave
// alone"; list fields are replaced wholesale, never appended.
type UpdateGoalParams struct {
	Title            *string
	ProblemStatement *string
	SuccessCriteria  *[]string
	Constraints      *[]string
	NonGoals         *[]string
	Priority         *model.Priority
	Tags             *[]string
	Owner            *string
}

// UpdateGoal applies the partial update and returns the updated goal.
func (o *Overseer) UpdateGoal(ctx context.Context, goalID string, p UpdateGoalParams) (model.Goal, error) {
	var updated model.Goal
	err := o.store.Mutate(ctx, func(st *store.State) error {
		goal := st.Goals[goalID]
		if goal == nil {
			return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
		}
		if p.Title != nil {
			if strings.TrimSpace(*p.Title) == "" {
				return fmt.Errorf("%w: title cannot be empty", ErrInvalidArgument)
			}
			goal.Title = *p.Title
		}
		if p.ProblemStatement != nil {
			goal.ProblemStatement = *p.ProblemStatement
		}
		if p.SuccessCriteria != nil {
			goal.SuccessCriteria = *p.SuccessCriteria
		}
		if p.Constraints != nil {
			goal.Constraints = *p.Constraints
		}
		if p.NonGoals != nil {
			goal.NonGoals = *p.NonGoals
		}
		if p.Priority != nil {
			goal.Priority = *p.Priority
		}
		if p.Tags != nil {
			goal.Tags = *p.Tags
		}
		if p.Owner != nil {
			goal.Owner = *p.Owner
		}
		goal.UpdatedAt = o.nowMs()
		updated = *goal
		o.recordEvent(st, model.EventGoalUpdated, goalID, "", "", "")
		return nil
	})
	if err != nil {
		return model.Goal{}, err
	}
	o.publish(bus.TopicGoalUpdated, bus.GoalEvent{GoalID: goalID, Title: updated.Title, Status: string(updated.Status)})
	return updated, nil
}

// AttachPlan validates and attaches a plan to a goal, replacing any
// existing plan wholesale. The version is bumped past the replaced one.
func (o *Overseer) AttachPlan(ctx context.Context, goalID string, plan *model.Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidArgument)
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return o.store.Mutate(ctx, func(st *store.State) error {
		goal := st.Goals[goalID]
		if goal == nil {
			return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
		}
		if goal.Plan != nil && plan.Version <= goal.Plan.Version {
			plan.Version = goal.Plan.Version + 1
		}
		goal.Plan = plan
		goal.UpdatedAt = o.nowMs()
		o.recordEvent(st, model.EventPlanAttached, goalID, "", "", fmt.Sprintf("version %d", plan.Version))
		return nil
	})
}

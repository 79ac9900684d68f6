// Package planner defines the pluggable plan generator seam and the
// validation applied to plan documents before they are attached to a
// goal. Natural-language generation lives behind the Generator
// interface in external processes; this package never calls a model.
package planner

import (
	"context"

	"github.com/basket/overseer/internal/model"
)

// GoalSeed is the material a generator works from.
type GoalSeed struct {
	GoalID           string
	Title            string
	ProblemStatement string
	SuccessCriteria  []string
	Constraints      []string
	RepoContext      string
}

// Generator produces a plan for a goal. Implementations may fail;
// generator failure at goal creation is non-fatal and leaves the goal
// without a plan.
type Generator interface {
	Generate(ctx context.Context, seed GoalSeed) (*model.Plan, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, seed GoalSeed) (*model.Plan, error)

func (f GeneratorFunc) Generate(ctx context.Context, seed GoalSeed) (*model.Plan, error) {
	return f(ctx, seed)
}

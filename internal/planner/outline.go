package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/overseer/internal/model"
)

// Outline is a deterministic generator that scaffolds a three-phase
// plan (investigate, implement, verify) with one task per success
// criterion. It carries no language model; it exists so a goal can get
// a workable plan without any external generator configured.
type Outline struct {
	Now func() time.Time
}

func (o *Outline) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Generate builds the scaffold. Identical seeds produce identical node
// ids, so regeneration is stable.
func (o *Outline) Generate(_ context.Context, seed GoalSeed) (*model.Plan, error) {
	if seed.Title == "" {
		return nil, fmt.Errorf("goal seed has no title")
	}
	ts := model.Millis(o.now())
	plan := &model.Plan{Version: 1, Nodes: map[string]*model.WorkNode{}, CreatedAt: ts}

	add := func(n *model.WorkNode) {
		n.CreatedAt = ts
		n.UpdatedAt = ts
		if n.Status == "" {
			n.Status = model.NodeStatusPending
		}
		plan.Nodes[n.ID] = n
		plan.Order = append(plan.Order, n.ID)
	}

	add(&model.WorkNode{
		ID:        "phase-investigate",
		Kind:      model.NodeKindPhase,
		Name:      "Investigate",
		Objective: "Understand the problem: " + seed.ProblemStatement,
		Status:    model.NodeStatusReady,
	})
	add(&model.WorkNode{
		ID:        "phase-implement",
		Kind:      model.NodeKindPhase,
		Name:      "Implement",
		Objective: seed.Title,
		DependsOn: []string{"phase-investigate"},
	})
	add(&model.WorkNode{
		ID:        "phase-verify",
		Kind:      model.NodeKindPhase,
		Name:      "Verify",
		Objective: "Confirm the success criteria hold",
		DependsOn: []string{"phase-implement"},
	})

	if len(seed.SuccessCriteria) == 0 {
		add(&model.WorkNode{
			ID:        "task-implement-1",
			ParentID:  "phase-implement",
			Kind:      model.NodeKindTask,
			Name:      seed.Title,
			Objective: seed.ProblemStatement,
			DependsOn: []string{"phase-investigate"},
		})
		return plan, nil
	}
	for i, criterion := range seed.SuccessCriteria {
		add(&model.WorkNode{
			ID:                 fmt.Sprintf("task-implement-%d", i+1),
			ParentID:           "phase-implement",
			Kind:               model.NodeKindTask,
			Name:               criterion,
			Objective:          criterion,
			AcceptanceCriteria: []string{criterion},
			DependsOn:          []string{"phase-investigate"},
		})
	}
	return plan, nil
}

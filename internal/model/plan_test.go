package model

import (
	"strings"
	"testing"
)

func planOf(nodes ...*WorkNode) *Plan {
	p := &Plan{Version: 1, Nodes: map[string]*WorkNode{}}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
		p.Order = append(p.Order, n.ID)
	}
	return p
}

func TestPlanValidate(t *testing.T) {
	t.Run("valid_three_level_plan", func(t *testing.T) {
		p := planOf(
			&WorkNode{ID: "p1", Kind: NodeKindPhase, Name: "Design"},
			&WorkNode{ID: "t1", Kind: NodeKindTask, ParentID: "p1", Name: "Schema"},
			&WorkNode{ID: "s1", Kind: NodeKindSubtask, ParentID: "t1", Name: "Draft", DependsOn: []string{"t1"}},
		)
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("empty_plan_rejected", func(t *testing.T) {
		if err := (&Plan{}).Validate(); err == nil {
			t.Fatal("expected error for empty plan")
		}
	})

	t.Run("duplicate_id_rejected", func(t *testing.T) {
		p := planOf(&WorkNode{ID: "p1", Kind: NodeKindPhase})
		p.Order = append(p.Order, "p1")
		p.Nodes["extra"] = &WorkNode{ID: "extra", Kind: NodeKindPhase}
		err := p.Validate()
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Fatalf("expected duplicate id error, got %v", err)
		}
	})

	t.Run("unknown_dependency_rejected", func(t *testing.T) {
		p := planOf(&WorkNode{ID: "t1", Kind: NodeKindTask, DependsOn: []string{"ghost"}})
		err := p.Validate()
		if err == nil || !strings.Contains(err.Error(), "nonexistent") {
			t.Fatalf("expected nonexistent dep error, got %v", err)
		}
	})

	t.Run("dependency_cycle_rejected", func(t *testing.T) {
		p := planOf(
			&WorkNode{ID: "a", Kind: NodeKindTask, DependsOn: []string{"b"}},
			&WorkNode{ID: "b", Kind: NodeKindTask, DependsOn: []string{"a"}},
		)
		err := p.Validate()
		if err == nil || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})

	t.Run("subtask_under_phase_rejected", func(t *testing.T) {
		p := planOf(
			&WorkNode{ID: "p1", Kind: NodeKindPhase},
			&WorkNode{ID: "s1", Kind: NodeKindSubtask, ParentID: "p1"},
		)
		if err := p.Validate(); err == nil {
			t.Fatal("expected hierarchy violation error")
		}
	})

	t.Run("phase_with_parent_rejected", func(t *testing.T) {
		p := planOf(
			&WorkNode{ID: "p1", Kind: NodeKindPhase},
			&WorkNode{ID: "p2", Kind: NodeKindPhase, ParentID: "p1"},
		)
		if err := p.Validate(); err == nil {
			t.Fatal("expected error for phase with a parent")
		}
	})
}

func TestDependenciesDone(t *testing.T) {
	p := planOf(
		&WorkNode{ID: "a", Kind: NodeKindTask, Status: NodeStatusDone},
		&WorkNode{ID: "b", Kind: NodeKindTask, Status: NodeStatusInProgress},
		&WorkNode{ID: "c", Kind: NodeKindTask, DependsOn: []string{"a"}},
		&WorkNode{ID: "d", Kind: NodeKindTask, DependsOn: []string{"a", "b"}},
	)
	if !p.DependenciesDone(p.Node("c")) {
		t.Error("c should be unblocked, its only dependency is done")
	}
	if p.DependenciesDone(p.Node("d")) {
		t.Error("d should be blocked, b is still in progress")
	}
}

func TestStatusTerminal(t *testing.T) {
	if !NodeStatusDone.Terminal() || !NodeStatusSkipped.Terminal() {
		t.Error("done and skipped are terminal node states")
	}
	if NodeStatusBlocked.Terminal() {
		t.Error("blocked is not a terminal node state")
	}
	if AssignmentStatusStalled.Terminal() {
		t.Error("stalled assignments remain open for operator action")
	}
	if !AssignmentStatusCancelled.Terminal() {
		t.Error("cancelled assignments are closed")
	}
}

package model

import "fmt"

type NodeKind string

const (
	NodeKindPhase   NodeKind = "phase"
	NodeKindTask    NodeKind = "task"
	NodeKindSubtask NodeKind = "subtask"
)

type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusReady      NodeStatus = "ready"
	NodeStatusInProgress NodeStatus = "in_progress"
	NodeStatusBlocked    NodeStatus = "blocked"
	NodeStatusDone       NodeStatus = "done"
	NodeStatusSkipped    NodeStatus = "skipped"
)

// Terminal reports whether a node status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusDone || s == NodeStatusSkipped
}

// WorkNode is one phase, task or subtask in a plan. Relations are id
// references into the owning plan's node map, never nested pointers.
type WorkNode struct {
	ID                 string     `json:"id"`
	ParentID           string     `json:"parent_id,omitempty"`
	Kind               NodeKind   `json:"kind"`
	Name               string     `json:"name"`
	Objective          string     `json:"objective,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	DependsOn          []string   `json:"depends_on,omitempty"`
	Blocks             []string   `json:"blocks,omitempty"`
	SuggestedAgent     string     `json:"suggested_agent,omitempty"`
	RequiredTools      []string   `json:"required_tools,omitempty"`
	Status             NodeStatus `json:"status"`
	BlockedReason      string     `json:"blocked_reason,omitempty"`
	CreatedAt          int64      `json:"created_at"`
	UpdatedAt          int64      `json:"updated_at"`
	StartedAt          int64      `json:"started_at,omitempty"`
	EndedAt            int64      `json:"ended_at,omitempty"`
}

// Plan is a versioned tree of work nodes keyed by id. Order preserves
// the sequence nodes were authored in so iteration is stable.
type Plan struct {
	Version   int                  `json:"version"`
	Nodes     map[string]*WorkNode `json:"nodes"`
	Order     []string             `json:"order"`
	CreatedAt int64                `json:"created_at"`
}

// Node returns the work node with the given id, or nil.
func (p *Plan) Node(id string) *WorkNode {
	if p == nil {
		return nil
	}
	return p.Nodes[id]
}

// NodesInOrder returns nodes in their authored order.
func (p *Plan) NodesInOrder() []*WorkNode {
	if p == nil {
		return nil
	}
	out := make([]*WorkNode, 0, len(p.Order))
	for _, id := range p.Order {
		if n := p.Nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// DependenciesDone reports whether every node the given node depends on
// is done. A node with no dependencies is trivially satisfied.
func (p *Plan) DependenciesDone(node *WorkNode) bool {
	for _, dep := range node.DependsOn {
		d := p.Nodes[dep]
		if d == nil || d.Status != NodeStatusDone {
			return false
		}
	}
	return true
}

var validParentKind = map[NodeKind]NodeKind{
	NodeKindTask:    NodeKindPhase,
	NodeKindSubtask: NodeKindTask,
}

// Validate checks that the plan is well-formed: non-empty unique ids,
// known kinds, parent and dependency edges resolving to existing nodes,
// parent kinds respecting the phase > task > subtask hierarchy, and no
// dependency cycles. Cycles are rejected here, at attach time, so the
// reconciler never has to cope with one at runtime.
func (p *Plan) Validate() error {
	if p == nil || len(p.Nodes) == 0 {
		return fmt.Errorf("plan has no work nodes")
	}
	if len(p.Order) != len(p.Nodes) {
		return fmt.Errorf("plan order lists %d ids for %d nodes", len(p.Order), len(p.Nodes))
	}
	seen := make(map[string]bool, len(p.Order))
	for _, id := range p.Order {
		if id == "" {
			return fmt.Errorf("work node has empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate work node id: %s", id)
		}
		if p.Nodes[id] == nil {
			return fmt.Errorf("order references unknown node %s", id)
		}
		seen[id] = true
	}
	for _, id := range p.Order {
		n := p.Nodes[id]
		if n.ID != id {
			return fmt.Errorf("node keyed %s carries id %s", id, n.ID)
		}
		switch n.Kind {
		case NodeKindPhase, NodeKindTask, NodeKindSubtask:
		default:
			return fmt.Errorf("node %s has unknown kind %q", id, n.Kind)
		}
		if n.ParentID != "" {
			parent := p.Nodes[n.ParentID]
			if parent == nil {
				return fmt.Errorf("node %s references unknown parent %s", id, n.ParentID)
			}
			if want, ok := validParentKind[n.Kind]; !ok || parent.Kind != want {
				return fmt.Errorf("node %s (%s) cannot have %s parent %s", id, n.Kind, parent.Kind, n.ParentID)
			}
		}
		for _, dep := range n.DependsOn {
			if p.Nodes[dep] == nil {
				return fmt.Errorf("node %s depends on nonexistent node %s", id, dep)
			}
		}
		for _, b := range n.Blocks {
			if p.Nodes[b] == nil {
				return fmt.Errorf("node %s blocks nonexistent node %s", id, b)
			}
		}
	}
	return p.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the dependsOn edges and fails
// if any node can never be scheduled.
func (p *Plan) checkAcyclic() error {
	processed := make(map[string]bool, len(p.Nodes))
	for len(processed) < len(p.Nodes) {
		progressed := false
		for _, id := range p.Order {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range p.Nodes[id].DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				processed[id] = true
				progressed = true
			}
		}
		if !progressed {
			return fmt.Errorf("cycle detected in plan dependencies")
		}
	}
	return nil
}

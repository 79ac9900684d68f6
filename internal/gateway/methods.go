package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/overseer"
	"github.com/basket/overseer/internal/planner"
)

// dispatchMethod routes a JSON-RPC method to the overseer. Param field
// names follow the wire convention (camelCase) rather than the internal
// snake_case used for persisted state.
func (s *Server) dispatchMethod(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol":      "overseer",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}, nil

	case "system.status":
		counts, err := s.counts()
		if err != nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
		}
		return map[string]any{
			"healthy":             true,
			"store_ok":            true,
			"goals":               counts.goals,
			"open_assignments":    counts.openAssignments,
			"stalled_assignments": counts.stalledAssignments,
			"config_hash":         s.cfg.ConfigFingerprint,
			"uptime_seconds":      int64(time.Since(s.start).Seconds()),
			"time_unix":           time.Now().Unix(),
		}, nil

	case "overseer.status":
		var p struct {
			IncludeGoals            bool `json:"includeGoals"`
			IncludeAssignments      bool `json:"includeAssignments"`
			IncludeCrystallizations bool `json:"includeCrystallizations"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			}
		}
		ov, err := s.cfg.Overseer.Status(overseer.StatusOptions{
			IncludeGoals:            p.IncludeGoals,
			IncludeAssignments:      p.IncludeAssignments,
			IncludeCrystallizations: p.IncludeCrystallizations,
		})
		if err != nil {
			return nil, appError(err)
		}
		return ov, nil

	case "overseer.goal.create":
		var p struct {
			Title               string   `json:"title"`
			ProblemStatement    string   `json:"problemStatement"`
			SuccessCriteria     []string `json:"successCriteria"`
			Constraints         []string `json:"constraints"`
			NonGoals            []string `json:"nonGoals"`
			Priority            string   `json:"priority"`
			Tags                []string `json:"tags"`
			Owner               string   `json:"owner"`
			FromSession         string   `json:"fromSession"`
			RepoContextSnapshot string   `json:"repoContextSnapshot"`
			GeneratePlan        bool     `json:"generatePlan"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
		}
		res, err := s.cfg.Overseer.CreateGoal(ctx, overseer.CreateGoalParams{
			Title:            p.Title,
			ProblemStatement: p.ProblemStatement,
			SuccessCriteria:  p.SuccessCriteria,
			Constraints:      p.Constraints,
			NonGoals:         p.NonGoals,
			Priority:         model.Priority(p.Priority),
			Tags:             p.Tags,
			Owner:            p.Owner,
			FromSession:      p.FromSession,
			RepoContext:      p.RepoContextSnapshot,
			GeneratePlan:     p.GeneratePlan,
		})
		if err != nil {
			return nil, appError(err)
		}
		return map[string]any{
			"goalId":        res.GoalID,
			"planGenerated": res.PlanGenerated,
		}, nil

	case "overseer.goal.update":
		var p struct {
			GoalID           string    `json:"goalId"`
			Title            *string   `json:"title"`
			ProblemStatement *string   `json:"problemStatement"`
			SuccessCriteria  *[]string `json:"successCriteria"`
			Constraints      *[]string `json:"constraints"`
			NonGoals         *[]string `json:"nonGoals"`
			Priority         *string   `json:"priority"`
			Tags             *[]string `json:"tags"`
			Owner            *string   `json:"owner"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId required"}
		}
		params := overseer.UpdateGoalParams{
			Title:            p.Title,
			ProblemStatement: p.ProblemStatement,
			SuccessCriteria:  p.SuccessCriteria,
			Constraints:      p.Constraints,
			NonGoals:         p.NonGoals,
			Tags:             p.Tags,
			Owner:            p.Owner,
		}
		if p.Priority != nil {
			prio := model.Priority(*p.Priority)
			params.Priority = &prio
		}
		goal, err := s.cfg.Overseer.UpdateGoal(ctx, p.GoalID, params)
		if err != nil {
			return nil, appError(err)
		}
		return goal, nil

	case "overseer.goal.status":
		var p struct {
			GoalID string `json:"goalId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId required"}
		}
		view, err := s.cfg.Overseer.GoalStatus(p.GoalID)
		if err != nil {
			return nil, appError(err)
		}
		return view, nil

	case "overseer.plan.attach":
		var p struct {
			GoalID   string          `json:"goalId"`
			Plan     json.RawMessage `json:"plan"`
			Document json.RawMessage `json:"document"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" || (len(p.Plan) == 0 && len(p.Document) == 0) {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId and plan or document required"}
		}
		var plan *model.Plan
		var err error
		if len(p.Document) > 0 {
			// Generator documents use the snake_case document shape and
			// go through schema validation before the model checks.
			plan, err = planner.DecodeDocument(p.Document, time.Now())
		} else {
			plan, err = s.decodePlan(p.Plan)
		}
		if err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
		}
		if err := s.cfg.Overseer.AttachPlan(ctx, p.GoalID, plan); err != nil {
			return nil, appError(err)
		}
		return map[string]any{"attached": true, "version": plan.Version}, nil

	case "overseer.dispatch":
		var p struct {
			GoalID      string `json:"goalId"`
			WorkNodeID  string `json:"workNodeId"`
			AgentID     string `json:"agentId"`
			IdleAfterMs int64  `json:"idleAfterMs"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" || p.WorkNodeID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId and workNodeId required"}
		}
		a, err := s.cfg.Overseer.Dispatch(ctx, p.GoalID, p.WorkNodeID, overseer.DispatchParams{
			AgentID:     p.AgentID,
			IdleAfterMs: p.IdleAfterMs,
		})
		if err != nil {
			return nil, appError(err)
		}
		return a, nil

	case "overseer.redispatch":
		var p struct {
			AssignmentID string `json:"assignmentId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AssignmentID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "assignmentId required"}
		}
		a, err := s.cfg.Overseer.Redispatch(ctx, p.AssignmentID)
		if err != nil {
			return nil, appError(err)
		}
		return a, nil

	case "overseer.work.update":
		var p struct {
			GoalID        string         `json:"goalId"`
			WorkNodeID    string         `json:"workNodeId"`
			Status        string         `json:"status"`
			BlockedReason string         `json:"blockedReason"`
			Summary       string         `json:"summary"`
			Decisions     []string       `json:"decisions"`
			NextActions   []string       `json:"nextActions"`
			OpenQuestions []string       `json:"openQuestions"`
			Blockers      []string       `json:"blockers"`
			Evidence      model.Evidence `json:"evidence"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" || p.WorkNodeID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId and workNodeId required"}
		}
		res, err := s.cfg.Overseer.WorkUpdate(ctx, overseer.WorkUpdateParams{
			GoalID:        p.GoalID,
			WorkNodeID:    p.WorkNodeID,
			Status:        model.NodeStatus(p.Status),
			BlockedReason: p.BlockedReason,
			Summary:       p.Summary,
			Decisions:     p.Decisions,
			NextActions:   p.NextActions,
			OpenQuestions: p.OpenQuestions,
			Blockers:      p.Blockers,
			Evidence:      p.Evidence,
		})
		if err != nil {
			return nil, appError(err)
		}
		return map[string]any{
			"nodeStatus":     string(res.Node.Status),
			"assignmentDone": res.AssignmentDone,
			"crystallized":   res.Crystallization != nil,
			"newlyReady":     res.NewlyReady,
			"goalCompleted":  res.GoalCompleted,
		}, nil

	case "overseer.crystallize":
		var p struct {
			GoalID        string         `json:"goalId"`
			WorkNodeID    string         `json:"workNodeId"`
			SessionKey    string         `json:"sessionKey"`
			Summary       string         `json:"summary"`
			CurrentState  string         `json:"currentState"`
			Decisions     []string       `json:"decisions"`
			NextActions   []string       `json:"nextActions"`
			OpenQuestions []string       `json:"openQuestions"`
			Blockers      []string       `json:"blockers"`
			Evidence      model.Evidence `json:"evidence"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GoalID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "goalId required"}
		}
		cry, err := s.cfg.Overseer.Crystallize(ctx, overseer.CrystallizeParams{
			GoalID:        p.GoalID,
			WorkNodeID:    p.WorkNodeID,
			SessionKey:    p.SessionKey,
			Summary:       p.Summary,
			CurrentState:  p.CurrentState,
			Decisions:     p.Decisions,
			NextActions:   p.NextActions,
			OpenQuestions: p.OpenQuestions,
			Blockers:      p.Blockers,
			Evidence:      p.Evidence,
		})
		if err != nil {
			return nil, appError(err)
		}
		return cry, nil

	case "overseer.assignment.cancel":
		var p struct {
			AssignmentID string `json:"assignmentId"`
			Reason       string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AssignmentID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "assignmentId required"}
		}
		if err := s.cfg.Overseer.CancelAssignment(ctx, p.AssignmentID, p.Reason); err != nil {
			return nil, appError(err)
		}
		return map[string]any{"cancelled": true}, nil

	case "overseer.activity":
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "sessionKey required"}
		}
		if err := s.cfg.Overseer.ObserveActivity(ctx, p.SessionKey); err != nil {
			return nil, appError(err)
		}
		return map[string]any{"observed": true}, nil

	case "overseer.tick":
		var p struct {
			Reason string `json:"reason"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			}
		}
		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			reason = "requested"
		}
		report, err := s.cfg.Overseer.Tick(ctx, reason)
		if err != nil {
			return nil, appError(err)
		}
		return report, nil

	case "overseer.events.subscribe":
		var p struct {
			GoalID string `json:"goalId"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			}
		}
		s.subscribeClientToGoal(c, p.GoalID)
		return map[string]any{"subscribed": true}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

// decodePlan accepts the wire plan shape used by dashboard clients and
// converts it into the internal model.
func (s *Server) decodePlan(raw json.RawMessage) (*model.Plan, error) {
	var p struct {
		Version int `json:"version"`
		Nodes   []struct {
			ID                 string   `json:"id"`
			ParentID           string   `json:"parentId"`
			Kind               string   `json:"kind"`
			Name               string   `json:"name"`
			Objective          string   `json:"objective"`
			AcceptanceCriteria []string `json:"acceptanceCriteria"`
			DependsOn          []string `json:"dependsOn"`
			Blocks             []string `json:"blocks"`
			SuggestedAgent     string   `json:"suggestedAgent"`
			RequiredTools      []string `json:"requiredTools"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}
	now := time.Now().UnixMilli()
	plan := &model.Plan{
		Version:   p.Version,
		Nodes:     make(map[string]*model.WorkNode, len(p.Nodes)),
		Order:     make([]string, 0, len(p.Nodes)),
		CreatedAt: now,
	}
	if plan.Version <= 0 {
		plan.Version = 1
	}
	for _, n := range p.Nodes {
		node := &model.WorkNode{
			ID:                 n.ID,
			ParentID:           n.ParentID,
			Kind:               model.NodeKind(n.Kind),
			Name:               n.Name,
			Objective:          n.Objective,
			AcceptanceCriteria: n.AcceptanceCriteria,
			DependsOn:          n.DependsOn,
			Blocks:             n.Blocks,
			SuggestedAgent:     n.SuggestedAgent,
			RequiredTools:      n.RequiredTools,
			Status:             model.NodeStatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if len(n.DependsOn) == 0 {
			node.Status = model.NodeStatusReady
		}
		plan.Nodes[node.ID] = node
		plan.Order = append(plan.Order, node.ID)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

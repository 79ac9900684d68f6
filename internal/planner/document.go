package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/overseer/internal/model"
)

// planDocumentSchema constrains the JSON shape external generators hand
// back. Semantic checks (cycles, parent kinds) run afterwards in
// model.Plan.Validate; the schema only guards structure.
const planDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "parent_id": {"type": "string"},
          "kind": {"enum": ["phase", "task", "subtask"]},
          "name": {"type": "string", "minLength": 1},
          "objective": {"type": "string"},
          "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "blocks": {"type": "array", "items": {"type": "string"}},
          "suggested_agent": {"type": "string"},
          "required_tools": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planDocumentSchema))
	if err != nil {
		panic(fmt.Sprintf("planner: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		panic(fmt.Sprintf("planner: add schema resource: %v", err))
	}
	schema, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("planner: compile schema: %v", err))
	}
	return schema
}

// documentNode mirrors one node entry in a plan document.
type documentNode struct {
	ID                 string   `json:"id"`
	ParentID           string   `json:"parent_id,omitempty"`
	Kind               string   `json:"kind"`
	Name               string   `json:"name"`
	Objective          string   `json:"objective,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Blocks             []string `json:"blocks,omitempty"`
	SuggestedAgent     string   `json:"suggested_agent,omitempty"`
	RequiredTools      []string `json:"required_tools,omitempty"`
}

type document struct {
	Version int            `json:"version"`
	Nodes   []documentNode `json:"nodes"`
}

// DecodeDocument validates a JSON plan document against the schema,
// then builds and semantically validates the plan. Nodes with no
// dependencies start ready, the rest pending.
func DecodeDocument(data []byte, now time.Time) (*model.Plan, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("plan document is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("plan document rejected by schema: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan document: %w", err)
	}

	ts := model.Millis(now)
	version := doc.Version
	if version == 0 {
		version = 1
	}
	plan := &model.Plan{Version: version, Nodes: map[string]*model.WorkNode{}, CreatedAt: ts}
	for _, dn := range doc.Nodes {
		status := model.NodeStatusPending
		if len(dn.DependsOn) == 0 {
			status = model.NodeStatusReady
		}
		node := &model.WorkNode{
			ID:                 dn.ID,
			ParentID:           dn.ParentID,
			Kind:               model.NodeKind(dn.Kind),
			Name:               dn.Name,
			Objective:          dn.Objective,
			AcceptanceCriteria: dn.AcceptanceCriteria,
			DependsOn:          dn.DependsOn,
			Blocks:             dn.Blocks,
			SuggestedAgent:     dn.SuggestedAgent,
			RequiredTools:      dn.RequiredTools,
			Status:             status,
			CreatedAt:          ts,
			UpdatedAt:          ts,
		}
		if _, dup := plan.Nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate work node id: %s", node.ID)
		}
		plan.Nodes[node.ID] = node
		plan.Order = append(plan.Order, node.ID)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

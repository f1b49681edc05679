package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

const plansDir = "plans"

// planSchema constrains generated plan documents: a task list where each
// task names itself, explains itself, and declares its dependencies.
const planSchema = `{
  "type": "object",
  "properties": {
    "plan_type": {"type": "string"},
    "title": {"type": "string"},
    "source_rfc": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "subtask_name": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "agent_type": {"type": "string"},
          "validation_criteria": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["subtask_name", "description"],
        "additionalProperties": false
      }
    }
  },
  "required": ["tasks"],
  "additionalProperties": false
}`

var compiledPlanSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan://schema.json", bytes.NewReader([]byte(planSchema))); err != nil {
		panic("builtin: plan schema: " + err.Error())
	}
	schema, err := compiler.Compile("plan://schema.json")
	if err != nil {
		panic("builtin: plan schema: " + err.Error())
	}
	return schema
}

type preparePlanArgs struct {
	RFCID string `json:"rfc_id" jsonschema:"required,description=RFC to turn into a plan"`
}

type savePlanArgs struct {
	PlanName string         `json:"plan_name" jsonschema:"required,description=Name for the plan file"`
	Plan     map[string]any `json:"plan" jsonschema:"required,description=Plan document with a tasks array"`
}

type listPlansArgs struct{}

// PlanTools builds the plan workflow tools. Plans are JSON documents under
// <output>/plans/, generated from RFCs by the model and validated on save.
func PlanTools(policy *workspace.Policy) []tools.Definition {
	return []tools.Definition{
		{
			Name:        "prepare_plan_from_rfc",
			Description: "Load an RFC and return it with plan-generation instructions.",
			Parameters:  paramsFor[preparePlanArgs](),
			Tags:        []string{"plan"},
			Category:    "plan",
			Invoke:      preparePlanFromRFC(policy),
		},
		{
			Name:        "save_generated_plan",
			Description: "Validate a generated plan document and save it.",
			Parameters:  paramsFor[savePlanArgs](),
			Tags:        []string{"plan"},
			Category:    "plan",
			Invoke:      saveGeneratedPlan(policy),
		},
		{
			Name:        "list_plans",
			Description: "List saved plan documents.",
			Parameters:  paramsFor[listPlansArgs](),
			Tags:        []string{"plan"},
			Category:    "plan",
			Invoke:      listPlans(policy),
		},
	}
}

const planInstructions = "Convert this RFC into a plan document: a JSON object with a tasks array. " +
	"Each task needs subtask_name and description; add depends_on (names of earlier tasks), " +
	"agent_type, and validation_criteria where they apply. " +
	"Save the result with save_generated_plan."

func preparePlanFromRFC(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p preparePlanArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		name := strings.TrimSuffix(p.RFCID, ".md")
		abs, err := policy.ResolveRead(filepath.Join(rfcDir, name+".md"))
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"rfc_id": p.RFCID})
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return tools.Fail("rfc not found: "+name, map[string]any{"rfc_id": p.RFCID})
		}
		return tools.OK(map[string]any{
			"rfc_id":       name,
			"rfc_content":  string(data),
			"instructions": planInstructions,
		})
	}
}

func saveGeneratedPlan(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p savePlanArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		if err := compiledPlanSchema.Validate(normalizePlan(p.Plan)); err != nil {
			return tools.Fail("plan validation: "+planErrorDetail(err), map[string]any{"plan_name": p.PlanName})
		}

		rel := filepath.Join(plansDir, slugify(p.PlanName)+".json")
		abs, err := policy.ResolveWrite(rel)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"plan_name": p.PlanName})
		}
		doc, err := json.MarshalIndent(p.Plan, "", "  ")
		if err != nil {
			return tools.Fail("encode: "+err.Error(), map[string]any{"plan_name": p.PlanName})
		}
		if err := os.WriteFile(abs, doc, 0o644); err != nil {
			return tools.Fail("write: "+err.Error(), map[string]any{"plan_name": p.PlanName})
		}

		tasks, _ := p.Plan["tasks"].([]any)
		return tools.OK(map[string]any{
			"plan_name": p.PlanName,
			"path":      rel,
			"tasks":     len(tasks),
		})
	}
}

func listPlans(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		root := filepath.Join(policy.Output(), plansDir)
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return tools.OK(map[string]any{"plans": []map[string]any{}, "count": 0})
			}
			return tools.Fail("list: "+err.Error(), nil)
		}

		var plans []map[string]any
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			item := map[string]any{
				"name": strings.TrimSuffix(entry.Name(), ".json"),
				"path": filepath.Join(plansDir, entry.Name()),
			}
			if data, readErr := os.ReadFile(filepath.Join(root, entry.Name())); readErr == nil {
				var doc struct {
					Title string `json:"title"`
					Tasks []any  `json:"tasks"`
				}
				if json.Unmarshal(data, &doc) == nil {
					item["tasks"] = len(doc.Tasks)
					if doc.Title != "" {
						item["title"] = doc.Title
					}
				}
			}
			plans = append(plans, item)
		}
		sort.Slice(plans, func(i, j int) bool {
			return plans[i]["name"].(string) < plans[j]["name"].(string)
		})
		return tools.OK(map[string]any{"plans": plans, "count": len(plans)})
	}
}

// normalizePlan round-trips the plan through encoding/json so values built
// in tests validate the same way as wire-decoded ones.
func normalizePlan(plan map[string]any) any {
	data, err := json.Marshal(plan)
	if err != nil {
		return plan
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return plan
	}
	return out
}

func planErrorDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}

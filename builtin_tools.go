package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxPlanSteps bounds the number of steps an execute_plan call may contain,
// so a single turn cannot fan out into an unbounded amount of work.
const maxPlanSteps = 20

// --- built-in special-case tools shared by LLMAgent and Network ---
//
// These tools are synthesized into the tool-call loop rather than routed
// through ToolRegistry: ask_user needs the InputHandler from the agent's
// construction options, execute_plan needs the dispatch closure to replay
// tool calls declaratively, and execute_code needs both the CodeRunner and
// the dispatch closure so sandboxed code can call back into agent tools.

// askUserToolDef is the tool definition for the built-in ask_user tool.
var askUserToolDef = ToolDefinition{
	Name:        "ask_user",
	Description: "Ask the user a question when you need clarification, confirmation, or additional information to proceed.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {
				"type": "string",
				"description": "The question to ask the user"
			},
			"options": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Optional suggested answers for the user to choose from"
			}
		},
		"required": ["question"]
	}`),
}

// askUserArgs is the parsed arguments for the ask_user tool call.
type askUserArgs struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// executeAskUser handles the ask_user special-case tool call, routing the
// question through ih and tagging the request with the calling agent's name.
func executeAskUser(ctx context.Context, ih InputHandler, agentName string, tc ToolCall) (string, error) {
	var args askUserArgs
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return "", &ErrInvalidArgs{Tool: "ask_user", Message: err.Error()}
	}
	resp, err := ih.RequestInput(ctx, InputRequest{
		Question: args.Question,
		Options:  args.Options,
		Metadata: map[string]string{
			"agent":  agentName,
			"source": "llm",
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// executePlanToolDef is the tool definition for the built-in execute_plan tool.
var executePlanToolDef = ToolDefinition{
	Name:        "execute_plan",
	Description: "Execute a declarative sequence of tool calls in one turn, instead of making them one at a time across iterations. Useful when the calls don't depend on each other's results.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"steps": {
				"type": "array",
				"description": "Tool calls to execute, in order",
				"items": {
					"type": "object",
					"properties": {
						"tool": {"type": "string", "description": "Name of the tool to call"},
						"args": {"type": "object", "description": "Arguments for the tool call"}
					},
					"required": ["tool"]
				}
			}
		},
		"required": ["steps"]
	}`),
}

// planStep is one entry in an execute_plan call.
type planStep struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type planArgs struct {
	Steps []planStep `json:"steps"`
}

// planStepResult is one entry in the execute_plan aggregate response.
type planStepResult struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// executePlan runs each step of a plan through dispatch in order and
// aggregates the results into a single JSON array response. A failing step
// does not abort the remaining steps; its error is recorded and execution
// continues, so the calling LLM can see the full picture in one turn.
// execute_plan cannot call itself, to prevent unbounded recursive fan-out.
func executePlan(ctx context.Context, args json.RawMessage, dispatch DispatchFunc) DispatchResult {
	var plan planArgs
	if err := json.Unmarshal(args, &plan); err != nil {
		return DispatchResult{Content: "error: invalid execute_plan args: " + err.Error(), IsError: true}
	}

	if len(plan.Steps) == 0 {
		return DispatchResult{Content: "error: execute_plan requires at least one step", IsError: true}
	}
	if len(plan.Steps) > maxPlanSteps {
		return DispatchResult{Content: fmt.Sprintf("error: execute_plan is limited to %d steps", maxPlanSteps), IsError: true}
	}
	for _, step := range plan.Steps {
		if step.Tool == "execute_plan" {
			return DispatchResult{Content: "error: execute_plan steps cannot call execute_plan", IsError: true}
		}
	}

	var totalUsage Usage
	var attachments []Attachment
	results := make([]planStepResult, 0, len(plan.Steps))
	anyError := false
	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			results = append(results, planStepResult{Tool: step.Tool, Status: "error", Error: ctx.Err().Error()})
			anyError = true
			continue
		default:
		}
		dr := dispatch(ctx, ToolCall{ID: planStepID(i), Name: step.Tool, Args: step.Args})
		totalUsage.InputTokens += dr.Usage.InputTokens
		totalUsage.OutputTokens += dr.Usage.OutputTokens
		attachments = append(attachments, dr.Attachments...)
		if dr.IsError {
			anyError = true
			results = append(results, planStepResult{Tool: step.Tool, Status: "error", Error: dr.Content})
			continue
		}
		results = append(results, planStepResult{Tool: step.Tool, Status: "ok", Result: dr.Content})
	}

	body, _ := json.Marshal(results)
	return DispatchResult{Content: string(body), Usage: totalUsage, Attachments: attachments, IsError: anyError && allFailed(results)}
}

func allFailed(results []planStepResult) bool {
	for _, r := range results {
		if r.Status == "ok" {
			return false
		}
	}
	return true
}

func planStepID(i int) string {
	return "plan-step-" + strconv.Itoa(i)
}

// executeCodeToolDef is the tool definition for the built-in execute_code tool.
var executeCodeToolDef = ToolDefinition{
	Name:        "execute_code",
	Description: "Execute code in a sandboxed runtime to perform calculations, data manipulation, or multi-step logic that is awkward to express as individual tool calls. The code can call call_tool(name, args) to invoke any tool this agent has access to.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "Source code to execute"},
			"runtime": {"type": "string", "description": "Execution runtime, e.g. \"python\" or \"node\". Defaults to python."}
		},
		"required": ["code"]
	}`),
}

type executeCodeArgs struct {
	Code    string `json:"code"`
	Runtime string `json:"runtime,omitempty"`
}

// executeCode bridges the execute_code tool call to a CodeRunner, giving the
// sandboxed code access back to the agent's tools via dispatch.
func executeCode(ctx context.Context, args json.RawMessage, runner CodeRunner, dispatch DispatchFunc) DispatchResult {
	var a executeCodeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return DispatchResult{Content: "error: invalid execute_code args: " + err.Error(), IsError: true}
	}
	if strings.TrimSpace(a.Code) == "" {
		return DispatchResult{Content: "error: execute_code requires non-empty code", IsError: true}
	}

	res, err := runner.Run(ctx, CodeRequest{Code: a.Code, Runtime: a.Runtime}, dispatch)
	if err != nil {
		return DispatchResult{Content: "error: " + err.Error(), IsError: true}
	}
	if res.Error != "" {
		content := "error: " + res.Error
		if res.Logs != "" {
			content += "\n\n[logs]\n" + res.Logs
		}
		return DispatchResult{Content: content, IsError: true}
	}

	var attachments []Attachment
	for _, f := range res.Files {
		attachments = append(attachments, Attachment{MimeType: f.MIME, Data: f.Data})
	}

	if res.Output == "" {
		content := "code ran but did not call set_result(); nothing to return"
		if res.Logs != "" {
			content += "\n\n[logs]\n" + res.Logs
		}
		return DispatchResult{Content: content, Attachments: attachments}
	}

	content := res.Output
	if res.Logs != "" {
		content = res.Output + "\n\n[logs]\n" + res.Logs
	}
	return DispatchResult{Content: content, Attachments: attachments}
}

package oasis

import (
	"context"
)

// LLMAgent is an Agent that uses an LLM with tools to complete tasks.
// Optionally supports conversation memory, user memory, semantic search,
// structured planning, and sandboxed code execution via the With* options
// passed to NewLLMAgent.
type LLMAgent struct {
	agentCore
}

// NewLLMAgent creates an LLMAgent with the given provider and options.
func NewLLMAgent(name, description string, provider Provider, opts ...AgentOption) *LLMAgent {
	cfg := buildConfig(opts)
	a := &LLMAgent{}
	initCore(&a.agentCore, name, description, provider, cfg)
	a.cachedToolDefs = a.cacheBuiltinToolDefs(a.tools.AllDefinitions())
	return a
}

// makeDispatch returns a DispatchFunc that routes tool calls to the agent's
// built-in tools (ask_user, execute_plan, execute_code) or its tool registry.
func (a *LLMAgent) makeDispatch(executeTool toolExecFunc) DispatchFunc {
	var dispatch DispatchFunc
	dispatch = func(ctx context.Context, tc ToolCall) DispatchResult {
		if dr, handled := dispatchBuiltins(ctx, tc, dispatch, a.inputHandler, a.name, a.planExecution, a.codeRunner); handled {
			return dr
		}
		return dispatchTool(ctx, executeTool, nil, tc.Name, tc.Args, nil)
	}
	return dispatch
}

// Execute runs the tool-calling loop until the LLM produces a final text response.
func (a *LLMAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return a.executeWithSpan(ctx, task, nil, "LLMAgent", "agent", a.buildLoopConfig)
}

// ExecuteStream runs the tool-calling loop like Execute, but streams
// StreamEvent values onto ch as the loop progresses. ch is closed when done.
func (a *LLMAgent) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	return a.executeWithSpan(ctx, task, ch, "LLMAgent", "agent", a.buildLoopConfig)
}

// buildLoopConfig assembles the loopConfig for a single call, resolving
// dynamic prompt/model/tools overrides if configured.
func (a *LLMAgent) buildLoopConfig(ctx context.Context, task AgentTask, ch chan<- StreamEvent) loopConfig {
	prompt, provider := a.resolvePromptAndProvider(ctx, task)

	if dynDefs, dynExec := a.resolveDynamicTools(ctx, task); dynExec != nil {
		defs := a.cacheBuiltinToolDefs(dynDefs)
		return a.baseLoopConfig(a.name, prompt, provider, defs, a.makeDispatch(dynExec))
	}

	return a.baseLoopConfig(a.name, prompt, provider, a.cachedToolDefs, a.makeDispatch(a.tools.Execute))
}

// compile-time checks
var _ Agent = (*LLMAgent)(nil)
var _ StreamingAgent = (*LLMAgent)(nil)

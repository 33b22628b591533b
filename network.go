package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Network is an Agent that coordinates subagents and tools via an LLM router.
// The router sees subagents as callable tools ("agent_<name>") and decides
// which primitives to invoke, in what order, and with what data.
// Optionally supports conversation memory, user memory, semantic search,
// structured planning, and sandboxed code execution via the With* options
// passed to NewNetwork.
type Network struct {
	agentCore
	agents map[string]Agent // keyed by name
}

// NewNetwork creates a Network with the given router provider and options.
func NewNetwork(name, description string, router Provider, opts ...AgentOption) *Network {
	cfg := buildConfig(opts)
	n := &Network{agents: make(map[string]Agent)}
	initCore(&n.agentCore, name, description, router, cfg)
	for _, a := range cfg.agents {
		n.agents[a.Name()] = a
	}
	n.cachedToolDefs = n.cacheBuiltinToolDefs(n.buildToolDefs(n.tools.AllDefinitions()))
	return n
}

// Execute runs the network's routing loop.
func (n *Network) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return n.executeWithSpan(ctx, task, nil, "Network", "network", n.buildLoopConfig)
}

// ExecuteStream runs the network's routing loop like Execute, streaming
// StreamEvent values onto ch, including events forwarded in real time from
// any streaming subagent it delegates to.
func (n *Network) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	return n.executeWithSpan(ctx, task, ch, "Network", "network", n.buildLoopConfig)
}

// buildLoopConfig assembles the loopConfig for a single call, resolving
// dynamic prompt/model/tools overrides if configured.
func (n *Network) buildLoopConfig(ctx context.Context, task AgentTask, ch chan<- StreamEvent) loopConfig {
	prompt, provider := n.resolvePromptAndProvider(ctx, task)

	if dynDefs, dynExec := n.resolveDynamicTools(ctx, task); dynExec != nil {
		defs := n.cacheBuiltinToolDefs(n.buildToolDefs(dynDefs))
		return n.baseLoopConfig(n.name, prompt, provider, defs, n.makeDispatch(dynExec, task, ch))
	}

	return n.baseLoopConfig(n.name, prompt, provider, n.cachedToolDefs, n.makeDispatch(n.tools.Execute, task, ch))
}

// buildToolDefs prepends agent_<name> delegation tool definitions to defs.
func (n *Network) buildToolDefs(defs []ToolDefinition) []ToolDefinition {
	var all []ToolDefinition
	for name, agent := range n.agents {
		all = append(all, ToolDefinition{
			Name:        "agent_" + name,
			Description: agent.Description(),
			Parameters: json.RawMessage(
				`{"type":"object","properties":{"task":{"type":"string","description":"Natural language description of the task to delegate to this agent"}},"required":["task"]}`,
			),
		})
	}
	return append(all, defs...)
}

// makeDispatch returns a DispatchFunc that routes a tool call to the built-in
// tools, a delegated subagent (agent_<name> prefix), or the tool registry.
// parentTask supplies attachments/context forwarded to delegated subagents;
// ch (may be nil) is the parent stream to forward a delegated subagent's
// events onto in real time.
func (n *Network) makeDispatch(executeTool toolExecFunc, parentTask AgentTask, ch chan<- StreamEvent) DispatchFunc {
	var dispatch DispatchFunc
	dispatch = func(ctx context.Context, tc ToolCall) DispatchResult {
		if dr, handled := dispatchBuiltins(ctx, tc, dispatch, n.inputHandler, n.name, n.planExecution, n.codeRunner); handled {
			return dr
		}
		if agentName, ok := strings.CutPrefix(tc.Name, "agent_"); ok {
			return n.dispatchAgent(ctx, agentName, tc, parentTask, ch)
		}
		return dispatchTool(ctx, executeTool, nil, tc.Name, tc.Args, nil)
	}
	return dispatch
}

// dispatchAgent delegates a tool call to a named subagent, forwarding its
// attachments, thinking, and stream events back through executeAgent.
func (n *Network) dispatchAgent(ctx context.Context, agentName string, tc ToolCall, parentTask AgentTask, ch chan<- StreamEvent) DispatchResult {
	agent, ok := n.agents[agentName]
	if !ok {
		return DispatchResult{Content: fmt.Sprintf("error: unknown agent %q", agentName), IsError: true}
	}

	var params struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(tc.Args, &params); err != nil {
		return DispatchResult{Content: "error: invalid agent call args: " + err.Error(), IsError: true}
	}

	n.logger.Info("delegating to subagent", "network", n.name, "agent", agentName, "task", truncateStr(params.Task, 80))

	if ch != nil {
		select {
		case ch <- StreamEvent{Type: EventAgentStart, Name: agentName, Content: params.Task}:
		case <-ctx.Done():
		}
	}

	result, err := executeAgent(ctx, agent, agentName, AgentTask{
		Input:       params.Task,
		Attachments: parentTask.Attachments,
		Context:     parentTask.Context,
	}, ch, n.logger)

	if ch != nil {
		select {
		case ch <- StreamEvent{Type: EventAgentFinish, Name: agentName, Content: result.Output}:
		case <-ctx.Done():
		}
	}

	if err != nil {
		return DispatchResult{Content: "error: " + err.Error(), IsError: true}
	}
	return DispatchResult{Content: result.Output, Usage: result.Usage, Attachments: result.Attachments}
}

// compile-time checks
var _ Agent = (*Network)(nil)
var _ StreamingAgent = (*Network)(nil)

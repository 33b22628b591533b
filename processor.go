package oasis

import (
	"context"
	"fmt"
)

// PreProcessor runs before messages are sent to the LLM.
// Implementations can modify the request (add/remove/transform messages)
// or return an error to halt execution.
// Return ErrHalt to short-circuit with a canned response.
// Must be safe for concurrent use.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *ChatRequest) error
}

// PostProcessor runs after the LLM responds, before tool execution. It
// observes the response (logging, validation, guardrail checks against
// outbound content) but cannot rewrite it — resp is passed by value so a
// processor has no way to mutate what the caller or stream consumers see.
// Return ErrHalt to short-circuit with a canned response instead.
// Must be safe for concurrent use.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp ChatResponse) error
}

// ToolCallFilter narrows or reorders the tool calls a response produced,
// separate from PostProcessor's observe-only view of the response itself.
// Implementations return the calls to actually dispatch; the original
// resp.ToolCalls is never mutated in place.
// Must be safe for concurrent use.
type ToolCallFilter interface {
	FilterToolCalls(ctx context.Context, calls []ToolCall) []ToolCall
}

// PreToolProcessor runs before each tool call is dispatched. Implementations
// can rewrite the call's arguments in place or return an error to halt
// execution.
// Return ErrHalt to short-circuit with a canned response.
// Must be safe for concurrent use.
type PreToolProcessor interface {
	PreTool(ctx context.Context, call *ToolCall) error
}

// PostToolProcessor runs after each tool execution, before the result
// is appended to the message history.
// Implementations can modify the result (redact content, transform output)
// or return an error to halt execution.
// Return ErrHalt to short-circuit with a canned response.
// Must be safe for concurrent use.
type PostToolProcessor interface {
	PostTool(ctx context.Context, call ToolCall, result *ToolResult) error
}

// ErrHalt signals that a processor wants to stop agent execution
// and return a specific response to the caller. The agent loop catches
// ErrHalt and returns AgentResult{Output: Response} with a nil error.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ProcessorChain holds an ordered list of processors and runs them
// at each hook point. Processors are pre-bucketed by interface at Add()
// time, eliminating per-call type assertions in the hot path.
type ProcessorChain struct {
	processors []any
	pre        []PreProcessor
	post       []PostProcessor
	filters    []ToolCallFilter
	preTool    []PreToolProcessor
	postTool   []PostToolProcessor
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a processor to the chain. The processor must implement at
// least one of PreProcessor, PostProcessor, ToolCallFilter,
// PreToolProcessor, or PostToolProcessor.
// Panics if p implements none of the five interfaces.
func (c *ProcessorChain) Add(p any) {
	pre, isPre := p.(PreProcessor)
	post, isPost := p.(PostProcessor)
	filter, isFilter := p.(ToolCallFilter)
	preTool, isPreTool := p.(PreToolProcessor)
	postTool, isPostTool := p.(PostToolProcessor)
	if !isPre && !isPost && !isFilter && !isPreTool && !isPostTool {
		panic(fmt.Sprintf("oasis: processor %T implements none of PreProcessor, PostProcessor, ToolCallFilter, PreToolProcessor, PostToolProcessor", p))
	}
	c.processors = append(c.processors, p)
	if isPre {
		c.pre = append(c.pre, pre)
	}
	if isPost {
		c.post = append(c.post, post)
	}
	if isFilter {
		c.filters = append(c.filters, filter)
	}
	if isPreTool {
		c.preTool = append(c.preTool, preTool)
	}
	if isPostTool {
		c.postTool = append(c.postTool, postTool)
	}
}

// RunPreLLM runs all PreProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPreLLM(ctx context.Context, req *ChatRequest) error {
	for _, p := range c.pre {
		if err := p.PreLLM(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunPostLLM runs all PostProcessor hooks in registration order. Hooks
// receive resp by value and observe it only; none can alter what the
// caller or stream consumers ultimately see.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPostLLM(ctx context.Context, resp ChatResponse) error {
	for _, p := range c.post {
		if err := p.PostLLM(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// RunFilterToolCalls runs all ToolCallFilter hooks in registration order,
// each narrowing the previous hook's output. The caller is responsible for
// using the returned slice in place of resp.ToolCalls; resp itself is
// never touched.
func (c *ProcessorChain) RunFilterToolCalls(ctx context.Context, calls []ToolCall) []ToolCall {
	for _, f := range c.filters {
		calls = f.FilterToolCalls(ctx, calls)
	}
	return calls
}

// RunPreTool runs all PreToolProcessor hooks in registration order, each
// able to rewrite call's arguments before dispatch.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPreTool(ctx context.Context, call *ToolCall) error {
	for _, p := range c.preTool {
		if err := p.PreTool(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

// RunPostTool runs all PostToolProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPostTool(ctx context.Context, call ToolCall, result *ToolResult) error {
	for _, p := range c.postTool {
		if err := p.PostTool(ctx, call, result); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered processors.
func (c *ProcessorChain) Len() int { return len(c.processors) }

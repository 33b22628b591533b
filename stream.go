package oasis

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventProcessingStart signals a turn has begun (context assembled, about to call the model).
	EventProcessingStart StreamEventType = "processing-start"
	// EventInputReceived signals a task/message arrived at an agent or network.
	EventInputReceived StreamEventType = "input-received"
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventThinking carries extended-thinking/reasoning content, when the provider exposes it.
	EventThinking StreamEventType = "thinking"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallDelta carries an incremental chunk of a tool call's argument JSON.
	EventToolCallDelta StreamEventType = "tool-call-delta"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventRoutingDecision signals a Network has chosen which agents/tools to invoke this iteration.
	EventRoutingDecision StreamEventType = "routing-decision"
	// EventAgentStart signals a subagent has been delegated to (Network only).
	EventAgentStart StreamEventType = "agent-start"
	// EventAgentFinish signals a subagent has completed (Network only).
	EventAgentFinish StreamEventType = "agent-finish"
	// EventStepStart signals a workflow step has begun.
	EventStepStart StreamEventType = "step-start"
	// EventStepFinish signals a workflow step has completed, failed, or suspended.
	EventStepFinish StreamEventType = "step-finish"
	// EventStepProgress signals one element of a ForEach step has finished.
	EventStepProgress StreamEventType = "step-progress"
)

// StreamEvent is a typed event emitted during agent streaming.
// Consumers receive these on the channel passed to ExecuteStream.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID is the tool call or step identifier, when applicable.
	ID string `json:"id,omitempty"`
	// Name is the tool, agent, or step name (empty for text-delta/thinking).
	Name string `json:"name,omitempty"`
	// Content carries the text delta, tool result, agent task/output, step
	// output, or (step-progress) the completed iteration index as a string.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start/tool-call-delta only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage carries token usage attributable to this event (tool-call-result for subagent calls).
	Usage Usage `json:"usage,omitempty"`
	// Duration is how long the underlying operation took (tool-call-result, step-finish).
	Duration time.Duration `json:"duration,omitempty"`
}

// StreamChunk is the canonical, dialect-independent representation of one
// unit of a model provider's streaming response. Every wire dialect C1
// understands (OpenAI-style SSE, Anthropic-style SSE, Ollama-style NDJSON)
// is normalized to a sequence of these before reaching the turn engine.
type StreamChunk struct {
	Type StreamChunkType `json:"type"`

	// TextDelta fields (Type == ChunkTextDelta).
	Text string `json:"text,omitempty"`

	// Tool-use fields (Type == ChunkToolUseStart/Delta/End).
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	InputJSON    string `json:"input_json,omitempty"`    // accumulated/delta raw JSON text
	ParsedInput  json.RawMessage `json:"parsed_input,omitempty"` // set on ChunkToolUseEnd
	Synthesized  bool   `json:"synthesized,omitempty"`   // true if force-closed by partial-JSON recovery

	// Usage, set on ChunkMessageStop when the provider reports it inline.
	Usage Usage `json:"usage,omitempty"`
}

// StreamChunkType tags the variant of a canonical StreamChunk.
type StreamChunkType string

const (
	ChunkTextDelta     StreamChunkType = "text_delta"
	ChunkToolUseStart  StreamChunkType = "tool_use_start"
	ChunkToolUseDelta  StreamChunkType = "tool_use_delta"
	ChunkToolUseEnd    StreamChunkType = "tool_use_end"
	ChunkMessageStop   StreamChunkType = "message_stop"
)

// StepTrace records one tool call, subagent delegation, or workflow step
// executed during a turn, for post-hoc inspection (AgentResult.Steps).
type StepTrace struct {
	// Name is the tool, agent, or step name.
	Name string `json:"name"`
	// Type is "tool", "agent", or "step".
	Type string `json:"type"`
	// Input is the truncated call input (tool args or agent task).
	Input string `json:"input,omitempty"`
	// Output is the truncated call output.
	Output string `json:"output,omitempty"`
	// Usage is token usage attributable to this step, when known.
	Usage Usage `json:"usage"`
	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

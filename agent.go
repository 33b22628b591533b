package oasis

import (
	"context"
	"log/slog"
)

// Agent is a unit of work that takes a task and returns a result.
// Implementations range from single LLM tool-calling agents (LLMAgent)
// to multi-agent coordinators (Network).
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// Description returns a human-readable description of what the agent does.
	// Used by Network to generate tool definitions for the routing LLM.
	Description() string
	// Execute runs the agent on the given task and returns a result.
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// AgentTask is the input to an Agent.
type AgentTask struct {
	// Input is the natural language task description.
	Input string
	// Context carries optional metadata (thread ID, user ID, etc.).
	Context map[string]string
	// Attachments carries multimodal content (images, PDFs) attached to the
	// incoming task, forwarded to the provider and to delegated subagents.
	Attachments []Attachment
}

// TaskThreadID returns the thread identifier from Context, or "" if absent.
func (t AgentTask) TaskThreadID() string {
	return t.Context["thread_id"]
}

// AgentResult is the output of an Agent.
type AgentResult struct {
	// Output is the agent's final response text.
	Output string
	// Thinking carries extended-thinking/reasoning content, when the provider
	// and model expose it.
	Thinking string
	// Attachments carries multimodal content produced during execution
	// (tool/subagent results) plus any attached to the final response.
	Attachments []Attachment
	// Steps records every tool call, subagent delegation, and workflow step
	// executed while producing this result, in execution order.
	Steps []StepTrace
	// Usage tracks aggregate token usage across all LLM calls.
	Usage Usage
}

// StreamingAgent is implemented by agents that can stream StreamEvent values
// as they execute. LLMAgent and Network both implement it; Network forwards
// a delegated streaming subagent's events onto its own channel in real time.
type StreamingAgent interface {
	Agent
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error)
}

// PromptFunc computes the system prompt for a specific task at call time,
// overriding the agent's static systemPrompt when configured via WithDynamicPrompt.
type PromptFunc func(ctx context.Context, task AgentTask) string

// ModelFunc selects the Provider to use for a specific task at call time,
// overriding the agent's static provider when configured via WithDynamicModel.
// Also used for per-call compression model overrides (WithCompressModel).
type ModelFunc func(ctx context.Context, task AgentTask) Provider

// ToolsFunc computes the tool set available for a specific task at call time,
// overriding the agent's static tool registry when configured via WithDynamicTools.
type ToolsFunc func(ctx context.Context, task AgentTask) []Tool

// agentConfig holds shared configuration for LLMAgent and Network.
type agentConfig struct {
	tools        []Tool
	agents       []Agent
	prompt       string
	maxIter      int
	processors   []any
	inputHandler InputHandler

	// Memory wiring.
	store             Store
	embedding         EmbeddingProvider
	memory            MemoryStore
	crossThreadSearch bool
	semanticMinScore  float32
	maxHistory        int
	maxTokens         int
	autoTitle         bool
	semanticTrimming  bool
	trimmingEmbedding EmbeddingProvider
	keepRecent        int

	// Observability.
	tracer Tracer
	logger *slog.Logger

	// Code execution and structured planning.
	planExecution  bool
	codeRunner     CodeRunner
	responseSchema *ResponseSchema

	// Dynamic per-call overrides.
	dynamicPrompt PromptFunc
	dynamicModel  ModelFunc
	dynamicTools  ToolsFunc

	// Attachment and suspend/resume budgets.
	maxAttachmentBytes  int64
	maxSuspendSnapshots int
	maxSuspendBytes     int64

	// Context compression.
	compressModel     ModelFunc
	compressThreshold int

	// Sampling overrides.
	generationParams *GenerationParams
}

// AgentOption configures an LLMAgent or Network.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent or network.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithPrompt sets the system prompt for the agent or network router.
func WithPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.prompt = s }
}

// WithMaxIter sets the maximum tool-calling iterations.
func WithMaxIter(n int) AgentOption {
	return func(c *agentConfig) { c.maxIter = n }
}

// WithAgents adds subagents to a Network. Ignored by LLMAgent.
func WithAgents(agents ...Agent) AgentOption {
	return func(c *agentConfig) { c.agents = append(c.agents, agents...) }
}

// WithProcessors adds processors to the agent's execution pipeline.
// Each processor must implement at least one of PreProcessor, PostProcessor,
// or PostToolProcessor. Processors run in registration order at their
// respective hook points during Execute().
func WithProcessors(processors ...any) AgentOption {
	return func(c *agentConfig) { c.processors = append(c.processors, processors...) }
}

// WithInputHandler sets the handler for human-in-the-loop interactions.
// When set, the agent gains an "ask_user" tool (LLM-driven) and processors
// can access the handler via InputHandlerFromContext(ctx).
func WithInputHandler(h InputHandler) AgentOption {
	return func(c *agentConfig) { c.inputHandler = h }
}

// WithConversationMemory enables persistent conversation history via store,
// truncated to maxHistory messages per thread (0 = use the loop default).
func WithConversationMemory(store Store, maxHistory int) AgentOption {
	return func(c *agentConfig) {
		c.store = store
		c.maxHistory = maxHistory
	}
}

// WithUserMemory enables long-term fact memory. Facts are extracted from
// each turn via provider and embedded for semantic recall via embedding.
func WithUserMemory(memory MemoryStore, embedding EmbeddingProvider) AgentOption {
	return func(c *agentConfig) {
		c.memory = memory
		c.embedding = embedding
	}
}

// WithSemanticSearch enables cross-thread recall of semantically related
// past messages. minScore overrides defaultSemanticRecallMinScore (0 = use default).
func WithSemanticSearch(embedding EmbeddingProvider, minScore float32) AgentOption {
	return func(c *agentConfig) {
		c.embedding = embedding
		c.crossThreadSearch = true
		c.semanticMinScore = minScore
	}
}

// WithAutoTitle enables automatic thread-title generation from the first
// exchange in a thread.
func WithAutoTitle() AgentOption {
	return func(c *agentConfig) { c.autoTitle = true }
}

// WithSemanticTrimming enables similarity-aware history trimming: instead of
// always dropping the oldest messages, messages least similar to the current
// input are dropped first once history exceeds keepRecent, using embedding
// for scoring.
func WithSemanticTrimming(embedding EmbeddingProvider, keepRecent int) AgentOption {
	return func(c *agentConfig) {
		c.semanticTrimming = true
		c.trimmingEmbedding = embedding
		c.keepRecent = keepRecent
	}
}

// WithMaxTokens sets a soft token budget for assembled conversation context.
func WithMaxTokens(n int) AgentOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithTracer attaches a Tracer for span-based observability.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger attaches a structured logger. Defaults to a discard handler
// when not set.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithPlanExecution grants the agent an "execute_plan" tool for running a
// declarative sequence of tool calls in one turn.
func WithPlanExecution() AgentOption {
	return func(c *agentConfig) { c.planExecution = true }
}

// WithCodeExecution grants the agent an "execute_code" tool backed by runner.
func WithCodeExecution(runner CodeRunner) AgentOption {
	return func(c *agentConfig) { c.codeRunner = runner }
}

// WithResponseSchema constrains every LLM response in this agent's loop to
// the given structured output schema.
func WithResponseSchema(schema *ResponseSchema) AgentOption {
	return func(c *agentConfig) { c.responseSchema = schema }
}

// WithDynamicPrompt overrides the system prompt per call.
func WithDynamicPrompt(fn PromptFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicPrompt = fn }
}

// WithDynamicModel overrides the provider per call.
func WithDynamicModel(fn ModelFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicModel = fn }
}

// WithDynamicTools overrides the available tool set per call.
func WithDynamicTools(fn ToolsFunc) AgentOption {
	return func(c *agentConfig) { c.dynamicTools = fn }
}

// WithMaxAttachmentBytes caps the total size of attachments accumulated from
// tool/subagent results during a turn (0 = default 50MB).
func WithMaxAttachmentBytes(n int64) AgentOption {
	return func(c *agentConfig) { c.maxAttachmentBytes = n }
}

// WithSuspendBudget caps the number and total byte size of suspended-state
// snapshots retained in memory (0 = default: 20 snapshots, 256 MB).
func WithSuspendBudget(maxSnapshots int, maxBytes int64) AgentOption {
	return func(c *agentConfig) {
		c.maxSuspendSnapshots = maxSnapshots
		c.maxSuspendBytes = maxBytes
	}
}

// WithCompressModel selects the provider used to summarize old tool results
// during context compression (falls back to the agent's main provider).
func WithCompressModel(fn ModelFunc) AgentOption {
	return func(c *agentConfig) { c.compressModel = fn }
}

// WithCompressThreshold sets the rune count at which context compression
// triggers (0 = default ~200K runes, negative = disabled).
func WithCompressThreshold(n int) AgentOption {
	return func(c *agentConfig) { c.compressThreshold = n }
}

// WithGenerationParams sets default sampling overrides applied to every
// request this agent sends, unless a dynamic override replaces them.
func WithGenerationParams(p *GenerationParams) AgentOption {
	return func(c *agentConfig) { c.generationParams = p }
}

func buildConfig(opts []AgentOption) agentConfig {
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

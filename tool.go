package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// WithToolTimeout sets the default per-call timeout applied when a tool's
// own definition doesn't declare one. Zero means no timeout.
func WithToolTimeout(d time.Duration) ToolRegistryOption {
	return func(r *ToolRegistry) { r.defaultTimeout = d }
}

// WithToolSandbox registers the sandbox backend used to run forged-skill
// tool calls in isolation.
func WithToolSandbox(s Sandbox) ToolRegistryOption {
	return func(r *ToolRegistry) { r.sandbox = s }
}

// WithToolEventLog wires an EventLog to receive one tool_execution entry
// per call.
func WithToolEventLog(log EventLog) ToolRegistryOption {
	return func(r *ToolRegistry) { r.events = log }
}

// WithToolLogger sets the registry's diagnostic logger.
func WithToolLogger(l *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools          []Tool
	defaultTimeout time.Duration
	sandbox        Sandbox
	events         EventLog
	logger         *slog.Logger

	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		logger:  discardLogger(),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a tool, pre-compiling its declared parameter schemas so
// Execute never compiles on the hot path.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		if len(d.Parameters) == 0 {
			continue
		}
		schema, err := compileSchema(d.Name, d.Parameters)
		if err != nil {
			r.logger.Warn("tool registry: schema compile failed, validation skipped", "tool", d.Name, "error", err)
			continue
		}
		r.schemas[d.Name] = schema
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// byName indexes registered tools by each of their definition names, for
// callers (like FromDefinition's DefinitionRegistry) that need name-based
// lookup rather than sequential execution.
func (r *ToolRegistry) byName() map[string]Tool {
	out := make(map[string]Tool)
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			out[d.Name] = t
		}
	}
	return out
}

// find locates the tool and definition responsible for name.
func (r *ToolRegistry) find(name string) (Tool, ToolDefinition, bool) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t, d, true
			}
		}
	}
	return nil, ToolDefinition{}, false
}

// Execute dispatches a tool call by name: validates args against the tool's
// declared schema (with flat-param recovery), enforces a per-call timeout,
// routes forged skills through the sandbox, and appends one EventLogEntry
// recording the outcome.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	start := time.Now()

	impl, def, ok := r.find(name)
	if !ok {
		result := ToolResult{Error: "unknown tool: " + name}
		r.record(ctx, name, args, result, nil, time.Since(start))
		return result, nil
	}

	resolvedArgs, err := r.validate(def, args)
	if err != nil {
		invalidErr := &ErrInvalidArgs{Tool: name, Message: err.Error()}
		result := ToolResult{Error: invalidErr.Error()}
		r.record(ctx, name, args, result, invalidErr, time.Since(start))
		return result, invalidErr
	}

	cctx, cancel := r.withTimeout(ctx, def)
	defer cancel()

	var result ToolResult
	if def.Forged {
		result, err = r.executeForged(cctx, def, resolvedArgs)
	} else {
		result, err = impl.Execute(cctx, name, resolvedArgs)
	}

	if cctx.Err() == context.DeadlineExceeded {
		limit := r.effectiveTimeout(def)
		result = ToolResult{Error: fmt.Sprintf("tool %q exceeded %s timeout", name, limit)}
		err = nil
	}

	r.record(ctx, name, resolvedArgs, result, err, time.Since(start))
	return result, err
}

func (r *ToolRegistry) withTimeout(ctx context.Context, def ToolDefinition) (context.Context, context.CancelFunc) {
	limit := r.effectiveTimeout(def)
	if limit <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, limit)
}

func (r *ToolRegistry) effectiveTimeout(def ToolDefinition) time.Duration {
	if def.Forged {
		return clampTimeout(def.Timeout)
	}
	if def.Timeout > 0 {
		return def.Timeout
	}
	return r.defaultTimeout
}

// validate checks args against the tool's compiled schema. If validation
// fails because the schema's single top-level wrapper object is missing
// but every one of its required leaf fields is present at the top level,
// it assembles the wrapper and retries once before giving up.
func (r *ToolRegistry) validate(def ToolDefinition, args json.RawMessage) (json.RawMessage, error) {
	schema, ok := r.schemas[def.Name]
	if !ok {
		return args, nil
	}

	if len(args) == 0 {
		args = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		recovered, ok := recoverFlatParams(doc, def.Parameters)
		if !ok {
			return nil, err
		}
		if verr := schema.Validate(recovered); verr != nil {
			return nil, err
		}
		data, merr := json.Marshal(recovered)
		if merr != nil {
			return nil, err
		}
		return data, nil
	}
	return args, nil
}

// recoverFlatParams handles a model that omits the schema's single
// top-level object wrapper and instead emits its required leaf fields
// directly. If schema declares exactly one required object-typed property
// and every one of that property's required leaf fields is present at
// doc's top level, it returns {wrapperName: doc} as the candidate to
// re-validate.
func recoverFlatParams(doc any, rawSchema json.RawMessage) (any, bool) {
	topObj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}

	var schemaDoc struct {
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(rawSchema, &schemaDoc); err != nil {
		return nil, false
	}
	if len(schemaDoc.Required) != 1 {
		return nil, false
	}
	wrapperName := schemaDoc.Required[0]
	if _, alreadyWrapped := topObj[wrapperName]; alreadyWrapped {
		return nil, false
	}
	wrapperSchema, ok := schemaDoc.Properties[wrapperName]
	if !ok || wrapperSchema["type"] != "object" {
		return nil, false
	}
	requiredLeaves, _ := wrapperSchema["required"].([]any)
	if len(requiredLeaves) == 0 {
		return nil, false
	}
	for _, leaf := range requiredLeaves {
		key, ok := leaf.(string)
		if !ok {
			return nil, false
		}
		if _, present := topObj[key]; !present {
			return nil, false
		}
	}

	return map[string]any{wrapperName: topObj}, true
}

// executeForged runs a forged skill's tool through the sandbox backend.
func (r *ToolRegistry) executeForged(ctx context.Context, def ToolDefinition, args json.RawMessage) (ToolResult, error) {
	if r.sandbox == nil {
		return ToolResult{Error: "forged tool " + def.Name + " has no sandbox backend configured"}, nil
	}
	res, err := r.sandbox.Run(ctx, SandboxRequest{
		SkillDir:   def.SkillDir,
		EntryPoint: def.EntryPoint,
		Args:       args,
		Timeout:    def.Timeout,
	})
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	if res.ExitCode != 0 {
		return ToolResult{Content: res.Stdout, Error: fmt.Sprintf("exit status %d: %s", res.ExitCode, res.Stderr)}, nil
	}
	return ToolResult{Content: res.Stdout}, nil
}

func (r *ToolRegistry) record(ctx context.Context, name string, args json.RawMessage, result ToolResult, err error, dur time.Duration) {
	if r.events == nil {
		return
	}
	entry := EventLogEntry{
		Type:       EventToolExecution,
		Tool:       name,
		Args:       string(args),
		Result:     result.Content,
		DurationMs: dur.Milliseconds(),
		Success:    result.Error == "" && err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Error = result.Error
	}
	if _, insertErr := r.events.Insert(ctx, entry); insertErr != nil {
		r.logger.Warn("tool registry: event log insert failed", "tool", name, "error", insertErr)
	}
}

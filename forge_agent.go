package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ForgeAgent drives one end-to-end skill-forging run: it turns a
// CapabilityGap into a SkillPlan, asks a builder Agent to generate the
// plan's tool entry points, writes them into a fresh skill directory, and
// submits the result to PromoteSkill. It implements Agent so a run can be
// launched with Spawn and tracked through an AgentHandle rather than
// blocking the caller that detected the gap.
type ForgeAgent struct {
	builder   Agent
	sandbox   Sandbox
	log       EventLog
	skillsDir string
}

// NewForgeAgent wires a ForgeAgent. builder generates entry-point source for
// a SkillPlan (see buildPrompt); sandbox and log are the same primitives
// PromoteSkill uses directly. skillsDir is the parent directory each forged
// skill gets its own subdirectory under.
func NewForgeAgent(builder Agent, sandbox Sandbox, log EventLog, skillsDir string) *ForgeAgent {
	return &ForgeAgent{builder: builder, sandbox: sandbox, log: log, skillsDir: skillsDir}
}

func (f *ForgeAgent) Name() string { return "forge" }

func (f *ForgeAgent) Description() string {
	return "builds and promotes a replacement skill for a detected capability gap"
}

// ForgeTask packages the CapabilityGap a ForgeAgent run is building for. Use
// EncodeForgeTask to turn it into the AgentTask Execute expects.
type ForgeTask struct {
	Gap CapabilityGap
}

// EncodeForgeTask serializes gap into an AgentTask suitable for
// Spawn(ctx, forgeAgent, task) or forgeAgent.Execute directly.
func EncodeForgeTask(gap CapabilityGap) AgentTask {
	data, _ := json.Marshal(gap)
	return AgentTask{Input: string(data)}
}

// generatedFile is one entry point's source, as produced by the builder
// agent in response to buildPrompt.
type generatedFile struct {
	EntryPoint string `json:"entry_point"`
	Source     string `json:"source"`
}

// Execute runs the full forge pipeline and returns a summary of the outcome.
// A build or promotion failure is reported through the event log (via
// PromoteSkill and the gap_detected/build_started/build_completed events
// recorded here), not as an error return, so a failed forge attempt doesn't
// register as a panic-worthy agent failure to whatever spawned it.
func (f *ForgeAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	var gap CapabilityGap
	if err := json.Unmarshal([]byte(task.Input), &gap); err != nil {
		return AgentResult{}, fmt.Errorf("forge: decode task: %w", err)
	}

	recordForgeEvent(ctx, f.log, gap.SuggestedName, ForgeGapDetected,
		fmt.Sprintf("category=%s frequency=%d", gap.Category, gap.Frequency))

	plan := PlanSkill(gap)
	recordForgeEvent(ctx, f.log, plan.Name, ForgeBuildStarted, "")

	skill, err := f.build(ctx, plan)
	if err != nil {
		recordForgeEvent(ctx, f.log, plan.Name, ForgeBuildCompleted, "build failed: "+err.Error())
		return AgentResult{Output: fmt.Sprintf("forge %s: build failed: %s", plan.Name, err)}, nil
	}

	if err := PromoteSkill(ctx, skill, f.sandbox, f.log); err != nil {
		recordForgeEvent(ctx, f.log, plan.Name, ForgeBuildCompleted, "promotion gate error: "+err.Error())
		return AgentResult{Output: fmt.Sprintf("forge %s: promotion gate error: %s", plan.Name, err)}, nil
	}

	recordForgeEvent(ctx, f.log, plan.Name, ForgeBuildCompleted, fmt.Sprintf("enabled=%t", skill.Enabled))

	status := "quarantined"
	if skill.Enabled {
		status = "promoted"
	}
	return AgentResult{Output: fmt.Sprintf("forge %s: %s (%s)", plan.Name, status, skill.Path)}, nil
}

// build asks the builder agent to generate plan.Tools's entry points, writes
// them to a fresh directory under skillsDir, and assembles the resulting
// ForgedSkill (not yet run through the promotion gate).
func (f *ForgeAgent) build(ctx context.Context, plan SkillPlan) (*ForgedSkill, error) {
	dir := filepath.Join(f.skillsDir, plan.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill directory: %w", err)
	}

	result, err := f.builder.Execute(ctx, AgentTask{Input: buildPrompt(plan)})
	if err != nil {
		return nil, fmt.Errorf("generate tool source: %w", err)
	}

	var files []generatedFile
	if err := json.Unmarshal([]byte(result.Output), &files); err != nil {
		return nil, fmt.Errorf("builder returned non-JSON output: %w", err)
	}

	bySource := make(map[string]string, len(files))
	for _, gf := range files {
		bySource[gf.EntryPoint] = gf.Source
	}

	tools := make([]ForgeToolSpec, 0, len(plan.Tools))
	for _, name := range plan.Tools {
		entryPoint := name + ".sh"
		source, ok := bySource[entryPoint]
		if !ok {
			return nil, fmt.Errorf("builder did not produce an entry point for tool %q", name)
		}
		if _, err := ResolveEntryPoint(dir, entryPoint); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, entryPoint), []byte(source), 0o755); err != nil {
			return nil, fmt.Errorf("write entry point %q: %w", entryPoint, err)
		}
		tools = append(tools, ForgeToolSpec{Name: name, EntryPoint: entryPoint, Timeout: ForgedSkillTimeout})
	}

	return &ForgedSkill{
		Name:  plan.Name,
		Path:  dir,
		Tools: tools,
		Tests: plan.Tests,
	}, nil
}

// buildPrompt describes the entry points the builder agent must generate,
// one executable script per tool, returned as a JSON array of
// {"entry_point", "source"} objects.
func buildPrompt(plan SkillPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a standalone executable script for each of these tools: %s.\n", strings.Join(plan.Tools, ", "))
	fmt.Fprintf(&b, "Each script reads its JSON arguments from stdin and writes a JSON object to stdout on success.\n")
	if len(plan.Dependencies) > 0 {
		fmt.Fprintf(&b, "Available dependencies: %s.\n", strings.Join(plan.Dependencies, ", "))
	}
	b.WriteString(`Respond with a JSON array of {"entry_point": "<name>.sh", "source": "<script contents>"} objects, one per tool, and nothing else.`)
	return b.String()
}

// SpawnForge launches a ForgeAgent run in the background for gap and returns
// a handle for tracking or awaiting it. The promotion gate's own event-log
// entries are the durable record of the outcome; the handle exists for
// callers (e.g. a scheduler tick) that want to wait for or cancel this
// specific run.
func SpawnForge(ctx context.Context, agent *ForgeAgent, gap CapabilityGap, opts ...SpawnOption) *AgentHandle {
	return Spawn(ctx, agent, EncodeForgeTask(gap), opts...)
}

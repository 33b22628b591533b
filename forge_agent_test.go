package oasis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// stubBuilder returns a fixed AgentResult regardless of the task, standing
// in for the LLM that would normally generate tool source.
type stubBuilder struct {
	output string
	err    error
}

func (b stubBuilder) Name() string        { return "stub-builder" }
func (b stubBuilder) Description() string { return "returns canned tool source" }
func (b stubBuilder) Execute(_ context.Context, _ AgentTask) (AgentResult, error) {
	if b.err != nil {
		return AgentResult{}, b.err
	}
	return AgentResult{Output: b.output}, nil
}

func genFilesFor(tools []string) string {
	files := make([]generatedFile, 0, len(tools))
	for _, t := range tools {
		files = append(files, generatedFile{EntryPoint: t + ".sh", Source: "#!/bin/sh\necho '{\"success\":true}'\n"})
	}
	data, _ := json.Marshal(files)
	return string(data)
}

func TestForgeAgentExecutePromotesOnSuccess(t *testing.T) {
	gap := CapabilityGap{SuggestedName: "csv-to-json", Category: "data", Frequency: 3, Confidence: 0.6}
	plan := PlanSkill(gap)
	builder := stubBuilder{output: genFilesFor(plan.Tools)}
	results := make(map[string]SandboxResult, len(plan.Tools))
	for _, tool := range plan.Tools {
		results[tool+".sh"] = SandboxResult{Stdout: `{"success":true}`, ExitCode: 0}
	}
	sb := stubSandbox{results: results}

	dir := t.TempDir()
	agent := NewForgeAgent(builder, sb, nil, dir)

	result, err := agent.Execute(context.Background(), EncodeForgeTask(gap))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output == "" {
		t.Error("expected a non-empty summary")
	}

	skillDir := filepath.Join(dir, plan.Name)
	if _, err := os.Stat(filepath.Join(skillDir, manifestFileName)); err != nil {
		t.Errorf("expected a forge manifest to be written: %v", err)
	}
}

func TestForgeAgentExecuteFailsWhenBuilderOmitsTool(t *testing.T) {
	gap := CapabilityGap{SuggestedName: "mystery-tool", Category: "other", Frequency: 2, Confidence: 0.3}
	builder := stubBuilder{output: `[]`}
	dir := t.TempDir()
	agent := NewForgeAgent(builder, stubSandbox{}, nil, dir)

	result, err := agent.Execute(context.Background(), EncodeForgeTask(gap))
	if err != nil {
		t.Fatalf("build failures are reported in Output, not returned as errors: %v", err)
	}
	if result.Output == "" {
		t.Error("expected a failure summary in Output")
	}
}

func TestSpawnForgeRunsInBackground(t *testing.T) {
	gap := CapabilityGap{SuggestedName: "weather-lookup", Category: "network", Frequency: 2, Confidence: 0.4}
	plan := PlanSkill(gap)
	builder := stubBuilder{output: genFilesFor(plan.Tools)}
	results := make(map[string]SandboxResult, len(plan.Tools))
	for _, tool := range plan.Tools {
		results[tool+".sh"] = SandboxResult{Stdout: `{"success":true}`, ExitCode: 0}
	}
	sb := stubSandbox{results: results}

	dir := t.TempDir()
	agent := NewForgeAgent(builder, sb, nil, dir)

	handle := SpawnForge(context.Background(), agent, gap)
	res, err := handle.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handle.State().IsTerminal() {
		t.Error("expected a terminal state after Await returns")
	}
	if res.Output == "" {
		t.Error("expected a non-empty result from the spawned run")
	}
}

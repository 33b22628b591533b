package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ForgedSkill is a Skill/Forge bundle: a directory of tools built to satisfy
// a CapabilityGap, subject to the promotion gate before it can be selected
// by the tool executor. Distinct from Skill, which is the stored
// instruction-package memory concept used elsewhere in the store.
type ForgedSkill struct {
	Name    string
	Version int
	Source  SkillSource
	Enabled bool
	Path    string // directory the skill's files live under
	Tools   []ForgeToolSpec
	Tests   []SkillTestCase
}

// manifestFileName is the sidecar file PromoteSkill writes into a skill's own
// directory recording its promotion outcome, so the state named by the
// Quarantine glossary entry ("persisted but unusable") survives a restart
// without needing a central store schema change.
const manifestFileName = "forge_manifest.json"

type forgedSkillManifest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Source  SkillSource `json:"source"`
	Enabled bool   `json:"enabled"`
}

// LoadForgedSkill reads a previously promoted or quarantined skill's
// manifest back from its directory. Tools and Tests are not persisted in
// the manifest; the caller (which already knows the skill's build plan)
// supplies them.
func LoadForgedSkill(path string, tools []ForgeToolSpec, tests []SkillTestCase) (*ForgedSkill, error) {
	data, err := os.ReadFile(filepath.Join(path, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read forge manifest: %w", err)
	}
	var m forgedSkillManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse forge manifest: %w", err)
	}
	return &ForgedSkill{
		Name:    m.Name,
		Version: m.Version,
		Source:  m.Source,
		Enabled: m.Enabled,
		Path:    path,
		Tools:   tools,
		Tests:   tests,
	}, nil
}

// writeManifest persists skill's promotion outcome to its own directory.
// A write failure is logged-by-return rather than fatal: the in-memory
// ForgedSkill is already correct for this process's lifetime, and a future
// restart that can't find the manifest simply re-runs the promotion gate.
func writeManifest(skill *ForgedSkill) error {
	if skill.Path == "" {
		return nil
	}
	data, err := json.Marshal(forgedSkillManifest{
		Name:    skill.Name,
		Version: skill.Version,
		Source:  skill.Source,
		Enabled: skill.Enabled,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(skill.Path, manifestFileName), data, 0o644)
}

// PromoteSkill runs the promotion gate over a built forged skill: resolves
// every tool's entry point, executes its declared tests in the sandbox, and
// enables the skill only if every test passes (exit code 0, the expected
// shape, and "success": true in the result) and the test set is non-empty. Either outcome is recorded as a forge_event in log.
func PromoteSkill(ctx context.Context, skill *ForgedSkill, sb Sandbox, log EventLog) error {
	defer writeManifest(skill)

	for _, t := range skill.Tools {
		if _, err := ResolveEntryPoint(skill.Path, t.EntryPoint); err != nil {
			skill.Enabled = false
			recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined, err.Error())
			return err
		}
	}

	if len(skill.Tests) == 0 {
		skill.Enabled = false
		recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined, "empty test set")
		return nil
	}

	toolsByName := make(map[string]ForgeToolSpec, len(skill.Tools))
	for _, t := range skill.Tools {
		toolsByName[t.Name] = t
	}

	for _, test := range skill.Tests {
		tool, ok := toolsByName[test.Tool]
		if !ok {
			skill.Enabled = false
			recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined,
				fmt.Sprintf("test %q references unknown tool %q", test.Name, test.Tool))
			return nil
		}

		res, err := sb.Run(ctx, SandboxRequest{
			SkillDir:   skill.Path,
			EntryPoint: tool.EntryPoint,
			Args:       test.Args,
			Timeout:    tool.Timeout,
		})
		if err != nil || res.ExitCode != 0 {
			skill.Enabled = false
			detail := fmt.Sprintf("test %q failed", test.Name)
			if err != nil {
				detail = fmt.Sprintf("%s: %s", detail, err)
			} else {
				detail = fmt.Sprintf("%s: exit %d: %s", detail, res.ExitCode, res.Stderr)
			}
			recordForgeEvent(ctx, log, skill.Name, ForgeTestFailed, detail)
			recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined, detail)
			return nil
		}

		if ok, why := matchesShape(test.Expected, []byte(res.Stdout)); !ok {
			skill.Enabled = false
			detail := fmt.Sprintf("test %q: %s", test.Name, why)
			recordForgeEvent(ctx, log, skill.Name, ForgeTestFailed, detail)
			recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined, detail)
			return nil
		}

		var outcome struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal([]byte(res.Stdout), &outcome); err != nil || !outcome.Success {
			skill.Enabled = false
			detail := fmt.Sprintf("test %q: result does not report success: true", test.Name)
			recordForgeEvent(ctx, log, skill.Name, ForgeTestFailed, detail)
			recordForgeEvent(ctx, log, skill.Name, ForgeQuarantined, detail)
			return nil
		}

		recordForgeEvent(ctx, log, skill.Name, ForgeTestPassed, test.Name)
	}

	skill.Enabled = true
	skill.Source = SourceForged
	recordForgeEvent(ctx, log, skill.Name, ForgePromoted, "")
	return nil
}

// ForgedSkillTool adapts a promoted ForgedSkill to the Tool interface so it
// can be added to a ToolRegistry. Definitions returns nothing for a skill
// that hasn't passed (or has failed) the promotion gate, so a quarantined
// skill is never selectable by the executor.
type ForgedSkillTool struct {
	Skill *ForgedSkill
}

func (t *ForgedSkillTool) Definitions() []ToolDefinition {
	if t.Skill == nil || !t.Skill.Enabled {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(t.Skill.Tools))
	for _, spec := range t.Skill.Tools {
		defs = append(defs, ToolDefinition{
			Name:       spec.Name,
			Forged:     true,
			SkillDir:   t.Skill.Path,
			EntryPoint: spec.EntryPoint,
			Timeout:    spec.Timeout,
		})
	}
	return defs
}

// Execute is never reached in practice: ToolRegistry routes Forged
// definitions through its own sandbox dispatch rather than calling back
// into the owning Tool.
func (t *ForgedSkillTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Error: "forged tool " + name + " has no direct executor"}, nil
}

// matchesShape performs the structural compare required for promotion: for
// every leaf in expected, actual must have a leaf at the same path.
// Additional fields in actual are allowed; leaf values are not compared,
// only their presence at the expected path.
func matchesShape(expected, actual []byte) (bool, string) {
	var exp, act any
	if err := json.Unmarshal(expected, &exp); err != nil {
		return false, fmt.Sprintf("invalid expected shape: %s", err)
	}
	if err := json.Unmarshal(actual, &act); err != nil {
		return false, fmt.Sprintf("result is not valid JSON: %s", err)
	}
	if missing := findMissingLeaf("", exp, act); missing != "" {
		return false, "missing expected field " + missing
	}
	return true, ""
}

// findMissingLeaf walks expected depth-first; returns the dotted path of
// the first leaf present in expected but absent (or present with the wrong
// shape) in actual, or "" if none is missing.
func findMissingLeaf(path string, expected, actual any) string {
	switch exp := expected.(type) {
	case map[string]any:
		actMap, ok := actual.(map[string]any)
		if !ok {
			return path
		}
		for k, v := range exp {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			actVal, present := actMap[k]
			if !present {
				return childPath
			}
			if missing := findMissingLeaf(childPath, v, actVal); missing != "" {
				return missing
			}
		}
		return ""
	case []any:
		actArr, ok := actual.([]any)
		if !ok || len(actArr) < len(exp) {
			return path
		}
		for i, v := range exp {
			if missing := findMissingLeaf(fmt.Sprintf("%s[%d]", path, i), v, actArr[i]); missing != "" {
				return missing
			}
		}
		return ""
	default:
		// Leaf: presence alone (already confirmed by the caller) satisfies
		// the structural compare; values are not required to match.
		return ""
	}
}

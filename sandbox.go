package oasis

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ForgedSkillTimeout is the hard wall-clock ceiling applied to every forged
// skill invocation regardless of the tool-declared timeout.
const ForgedSkillTimeout = 15 * time.Second

// SandboxRequest describes one forged-skill invocation to run in isolation.
type SandboxRequest struct {
	SkillDir   string          // directory the skill's files live under
	EntryPoint string          // path to the skill's executable/script, relative to SkillDir
	Args       []byte          // JSON-encoded tool arguments, passed on stdin
	AllowList  []string        // system capabilities (env vars, network hosts) permitted
	Timeout    time.Duration   // caller-requested timeout; capped at ForgedSkillTimeout
}

// SandboxResult is what a sandbox backend returns after running an entry
// point to completion or termination.
type SandboxResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox isolates execution of a forged skill's entry point. Two backends
// satisfy this interface: an OS-subprocess sandbox and a Docker container
// sandbox, selectable per skill.
type Sandbox interface {
	Run(ctx context.Context, req SandboxRequest) (SandboxResult, error)
}

// ResolveEntryPoint validates that entryPoint, once joined to skillDir and
// cleaned, remains a descendant of skillDir. This refuses to load an entry
// point that escapes the skill's own directory via "..", symlink-looking
// segments, or an absolute path.
func ResolveEntryPoint(skillDir, entryPoint string) (string, error) {
	if filepath.IsAbs(entryPoint) {
		return "", fmt.Errorf("sandbox: entry point must be relative: %s", entryPoint)
	}
	skillDir = filepath.Clean(skillDir)
	full := filepath.Clean(filepath.Join(skillDir, entryPoint))
	rel, err := filepath.Rel(skillDir, full)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve entry point: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: entry point %q escapes skill directory %q", entryPoint, skillDir)
	}
	return full, nil
}

// clampTimeout returns the smaller of requested and ForgedSkillTimeout,
// treating a non-positive requested duration as "use the ceiling".
func clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > ForgedSkillTimeout {
		return ForgedSkillTimeout
	}
	return requested
}

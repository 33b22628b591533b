// Package subprocess implements oasis.Sandbox by running a forged skill's
// entry point as a restricted OS process: a scrubbed environment, a
// temporary workspace, and a hard wall-clock limit.
package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	oasis "github.com/lumenai/gateway"
)

// Sandbox runs entry points as subprocesses with a restricted environment.
type Sandbox struct {
	// Shell picks the interpreter for script entry points lacking their own
	// shebang-driven exec bit (e.g. ".py", ".js"). Keyed by file extension.
	Interpreters map[string]string
}

var _ oasis.Sandbox = (*Sandbox)(nil)

// New returns a subprocess sandbox with common scripting interpreters
// pre-registered.
func New() *Sandbox {
	return &Sandbox{
		Interpreters: map[string]string{
			".py": "python3",
			".js": "node",
			".sh": "sh",
		},
	}
}

// Run executes req.EntryPoint in a scrubbed subprocess, writing req.Args to
// its stdin and capturing stdout/stderr.
func (s *Sandbox) Run(ctx context.Context, req oasis.SandboxRequest) (oasis.SandboxResult, error) {
	entry, err := oasis.ResolveEntryPoint(req.SkillDir, req.EntryPoint)
	if err != nil {
		return oasis.SandboxResult{}, err
	}

	workspace, err := os.MkdirTemp("", "oasis-forge-*")
	if err != nil {
		return oasis.SandboxResult{}, fmt.Errorf("subprocess sandbox: workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	timeout := req.Timeout
	if timeout <= 0 || timeout > oasis.ForgedSkillTimeout {
		timeout = oasis.ForgedSkillTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := s.command(entry)
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = workspace
	cmd.Env = s.scrubbedEnv(req.AllowList)
	cmd.Stdin = bytes.NewReader(req.Args)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := oasis.SandboxResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("subprocess sandbox: %s exceeded %s timeout", req.EntryPoint, timeout)
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return result, fmt.Errorf("subprocess sandbox: run %s: %w", req.EntryPoint, runErr)
	}
	return result, nil
}

// command picks an interpreter for script entry points, or runs the entry
// point directly when it is already executable.
func (s *Sandbox) command(entry string) (string, []string) {
	for ext, interpreter := range s.Interpreters {
		if len(entry) > len(ext) && entry[len(entry)-len(ext):] == ext {
			return interpreter, []string{entry}
		}
	}
	return entry, nil
}

// scrubbedEnv builds a minimal environment carrying only PATH plus any
// variable named in allowList, denying the process the caller's full
// environment (API keys, credentials, unrelated config).
func (s *Sandbox) scrubbedEnv(allowList []string) []string {
	env := []string{"PATH=/usr/bin:/bin"}
	for _, name := range allowList {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

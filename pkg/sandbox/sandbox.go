package sandbox

import (
	"context"
	"time"
)

// Config defines sandbox configuration shared by all job containers.
type Config struct {
	// Image is the pre-built container image jobs run in.
	Image string `json:"image" mapstructure:"image"`

	// WorkspaceRoot is the host directory under which per-job workspace
	// directories are created.
	WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`

	// MountPath is the fixed in-container workspace path.
	MountPath string `json:"mount_path" mapstructure:"mount_path"`

	// MaxMemoryMB limits container memory in megabytes.
	MaxMemoryMB int `json:"max_memory_mb" mapstructure:"max_memory_mb"`

	// MaxCPUs limits the container to a core-equivalent share.
	MaxCPUs float64 `json:"max_cpus" mapstructure:"max_cpus"`

	// ReadOnlyRoot mounts the container root read-only, leaving only the
	// workspace volume writable.
	ReadOnlyRoot bool `json:"read_only_root" mapstructure:"read_only_root"`

	// NetworkEnabled allows outbound network from the container.
	NetworkEnabled bool `json:"network_enabled" mapstructure:"network_enabled"`

	// Timeout is the per-job wall-clock limit.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// TruncateBytes is the tool output ceiling. Outputs beyond it are cut
	// at a character boundary and flagged truncated.
	TruncateBytes int `json:"truncate_bytes" mapstructure:"truncate_bytes"`
}

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Image:         "foreman-agent-sandbox",
		WorkspaceRoot: "/tmp/foreman-workspaces",
		MountPath:     "/workspace",
		MaxMemoryMB:   2048,
		MaxCPUs:       1.0,
		Timeout:       30 * time.Minute,
		TruncateBytes: 5000,
	}
}

// ExecRequest is one command execution inside a job container.
type ExecRequest struct {
	Command string            `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   []byte            `json:"stdin,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Session is a live per-job container. The owner must Close it on every
// exit path; Close is idempotent.
type Session interface {
	// JobID returns the owning job id.
	JobID() string

	// Exec runs a shell command inside the container.
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)

	// WorkspaceDir returns the host-side workspace directory.
	WorkspaceDir() string

	// HasArtifacts reports whether any file exists in the workspace,
	// used to judge partial results on max-iterations outcomes.
	HasArtifacts() bool

	// Close tears the container down.
	Close(ctx context.Context) error
}

// Executor allocates one disposable container per job.
type Executor interface {
	// Launch starts a container for the job and mounts its workspace.
	Launch(ctx context.Context, jobID string) (Session, error)

	// Reap removes orphan containers left behind by crashed workers.
	Reap(ctx context.Context) (int, error)
}

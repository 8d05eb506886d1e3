package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "foreman-job-abc123", containerName("abc123"))
	assert.Equal(t, "foreman-job-a_b_c", containerName("a/b c"))
}

func TestBuildRunArgs_Caps(t *testing.T) {
	executor, err := NewDockerExecutor(Config{
		Image:         "foreman-agent-sandbox",
		WorkspaceRoot: t.TempDir(),
		MaxMemoryMB:   2048,
		MaxCPUs:       1.0,
	})
	require.NoError(t, err)

	args := executor.buildRunArgs("foreman-job-j1", "/tmp/ws/j1")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--memory 2048m")
	assert.Contains(t, joined, "--cpus 1.00")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--cap-add CHOWN")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "-v /tmp/ws/j1:/workspace:rw")
	assert.Contains(t, joined, "--name foreman-job-j1")
	// Container idles until teardown.
	assert.Contains(t, joined, "sleep infinity")
}

func TestBuildRunArgs_ReadOnlyAndNetwork(t *testing.T) {
	executor, err := NewDockerExecutor(Config{
		Image:          "foreman-agent-sandbox",
		WorkspaceRoot:  t.TempDir(),
		ReadOnlyRoot:   true,
		NetworkEnabled: true,
	})
	require.NoError(t, err)

	args := executor.buildRunArgs("foreman-job-j1", "/tmp/ws/j1")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--network bridge")
}

func TestLaunch_StartFailure(t *testing.T) {
	executor, err := NewDockerExecutor(Config{
		Image:         "missing-image",
		WorkspaceRoot: t.TempDir(),
	})
	require.NoError(t, err)

	executor.run = func(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
		if args[0] == "rm" {
			return nil, nil, 0, nil
		}
		return nil, []byte("Unable to find image 'missing-image'"), 125, nil
	}

	_, err = executor.Launch(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestLaunchExecAndClose(t *testing.T) {
	executor, err := NewDockerExecutor(Config{
		Image:         "foreman-agent-sandbox",
		WorkspaceRoot: t.TempDir(),
	})
	require.NoError(t, err)

	var calls [][]string
	executor.run = func(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
		calls = append(calls, args)
		switch args[0] {
		case "run":
			return []byte("deadbeef\n"), nil, 0, nil
		case "exec":
			return []byte("hello\n"), nil, 0, nil
		}
		return nil, nil, 0, nil
	}

	session, err := executor.Launch(context.Background(), "j1")
	require.NoError(t, err)

	result, err := session.Exec(context.Background(), ExecRequest{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.Zero(t, result.ExitCode)

	require.NoError(t, session.Close(context.Background()))
	// Close is idempotent and execution after close is rejected.
	require.NoError(t, session.Close(context.Background()))
	_, err = session.Exec(context.Background(), ExecRequest{Command: "echo again"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// The final docker call removed the deterministic container name.
	last := calls[len(calls)-1]
	assert.Equal(t, []string{"rm", "-f", "foreman-job-j1"}, last)
}

func TestReap(t *testing.T) {
	executor, err := NewDockerExecutor(Config{
		Image:         "foreman-agent-sandbox",
		WorkspaceRoot: t.TempDir(),
	})
	require.NoError(t, err)

	var removed []string
	executor.run = func(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
		switch args[0] {
		case "ps":
			return []byte("foreman-job-a\nforeman-job-b\n"), nil, 0, nil
		case "rm":
			removed = append(removed, args[2])
		}
		return nil, nil, 0, nil
	}

	n, err := executor.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"foreman-job-a", "foreman-job-b"}, removed)
}

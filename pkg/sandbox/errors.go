package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrStartFailed is returned when a container cannot be launched
	// (image missing, daemon unreachable). Retriable.
	ErrStartFailed = errors.New("sandbox start failed")

	// ErrTimeout is returned when a job exceeds its wall-clock limit.
	// Retriable.
	ErrTimeout = errors.New("sandbox timed out")

	// ErrSessionClosed is returned when executing on a torn-down session.
	ErrSessionClosed = errors.New("sandbox session closed")
)

// ToolError is a tool-level failure. It is handed back to the model as a
// tool result rather than failing the job.
type ToolError struct {
	Tool   string
	Detail string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Detail)
}

// NewToolError creates a tool-level failure.
func NewToolError(tool, format string, args ...interface{}) *ToolError {
	return &ToolError{Tool: tool, Detail: fmt.Sprintf(format, args...)}
}

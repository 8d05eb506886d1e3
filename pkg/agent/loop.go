package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/pricing"
	"github.com/harun/foreman/pkg/provider"
	"github.com/harun/foreman/pkg/sandbox"
)

// DefaultMaxIterations bounds the reasoning cycle.
const DefaultMaxIterations = 20

var (
	// ErrMaxIterations is returned when the cap is reached without an
	// end-of-turn. The dispatcher treats it as terminal unless the
	// outcome carries a partial result.
	ErrMaxIterations = errors.New("maximum iterations reached")

	// ErrCancelled is returned when the job's cancellation sentinel was
	// set. Terminal, never retried.
	ErrCancelled = errors.New("cancelled by user")

	// ErrNoOutput is returned when the model hit its length limit without
	// producing any useful output.
	ErrNoOutput = errors.New("output truncated with no useful content")
)

// CancelChecker reads the admin cancellation sentinel for a job.
type CancelChecker interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Params describes one agent run.
type Params struct {
	JobID       string
	Task        string
	Context     map[string]string
	Profile     Profile
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64

	// MaxIterations overrides the default cap when positive.
	MaxIterations int
}

// Outcome is the result of an agent run. It is populated even on error so
// usage spent before the failure is still recorded.
type Outcome struct {
	Result     string
	Usage      pricing.Usage
	Iterations int
	ToolCalls  int
	Truncated  bool
	Partial    bool
	Transcript string
}

// Loop runs the bounded reasoning cycle for one job: call the provider,
// execute requested tools in the sandbox, feed results back, repeat until
// end-of-turn or the iteration cap.
type Loop struct {
	gateway *provider.Gateway
	cancels CancelChecker
	logger  zerolog.Logger
}

// NewLoop creates an agent loop.
func NewLoop(gateway *provider.Gateway, cancels CancelChecker, logger zerolog.Logger) *Loop {
	return &Loop{gateway: gateway, cancels: cancels, logger: logger}
}

// Run executes the loop against a live sandbox session. Per-call usage is
// accumulated into the outcome and logged line by line into the
// transcript; the outcome is valid even when an error is returned.
func (l *Loop) Run(ctx context.Context, session sandbox.Session, tools *sandbox.ToolRegistry, params Params) (Outcome, error) {
	maxIterations := params.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	logger := l.logger.With().Str("job_id", params.JobID).Str("agent_type", params.Profile.Type).Logger()

	var outcome Outcome
	var transcript strings.Builder

	messages := []provider.Message{{
		Role:    provider.RoleUser,
		Content: buildTask(params),
	}}

	toolDefs := buildToolDefs(tools)

	for iteration := 1; iteration <= maxIterations; iteration++ {
		outcome.Iterations = iteration

		if err := l.checkCancel(ctx, params.JobID); err != nil {
			outcome.Transcript = transcript.String()
			return outcome, err
		}

		response, err := l.gateway.Invoke(ctx, params.Provider, provider.Request{
			Model:       params.Model,
			System:      params.Profile.SystemPrompt,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   params.MaxTokens,
			Temperature: params.Temperature,
		})
		if err != nil {
			outcome.Transcript = transcript.String()
			return outcome, err
		}

		// Usage is recorded per call so partial runs stay accountable.
		outcome.Usage.Input += response.Usage.Input
		outcome.Usage.Output += response.Usage.Output
		fmt.Fprintf(&transcript, "[call %d] provider=%s model=%s in=%d out=%d finish=%s\n",
			iteration, params.Provider, params.Model,
			response.Usage.Input, response.Usage.Output, response.FinishReason)

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		switch response.FinishReason {
		case provider.FinishEndOfTurn:
			outcome.Result = response.Content
			outcome.Transcript = transcript.String()
			logger.Info().Int("iterations", iteration).Msg("Agent run completed")
			return outcome, nil

		case provider.FinishLength:
			outcome.Truncated = true
			if response.Content == "" && !session.HasArtifacts() {
				outcome.Transcript = transcript.String()
				return outcome, ErrNoOutput
			}
			outcome.Result = response.Content
			outcome.Transcript = transcript.String()
			logger.Warn().Int("iterations", iteration).Msg("Agent output truncated at length limit")
			return outcome, nil
		}

		// Tool use: execute each call and feed results back.
		for _, call := range response.ToolCalls {
			if err := l.checkCancel(ctx, params.JobID); err != nil {
				outcome.Transcript = transcript.String()
				return outcome, err
			}

			result, err := tools.Execute(ctx, session, call.Name, call.Input)
			if err != nil {
				// Infrastructure failure, not a tool-level error.
				outcome.Transcript = transcript.String()
				return outcome, err
			}

			outcome.ToolCalls++
			content := result.Content
			if result.Error != "" {
				content = result.Error
			}
			fmt.Fprintf(&transcript, "[tool] %s truncated=%t error=%q\n", call.Name, result.Truncated, result.Error)

			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})

			logger.Debug().Str("tool", call.Name).Bool("truncated", result.Truncated).Msg("Tool executed")
		}

		if len(response.ToolCalls) == 0 {
			// tool_use finish with no calls: treat as end of turn.
			outcome.Result = response.Content
			outcome.Transcript = transcript.String()
			return outcome, nil
		}
	}

	outcome.Partial = session.HasArtifacts()
	outcome.Transcript = transcript.String()
	logger.Warn().Int("iterations", maxIterations).Bool("partial", outcome.Partial).Msg("Agent hit iteration cap")
	return outcome, ErrMaxIterations
}

func (l *Loop) checkCancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.cancels == nil {
		return nil
	}
	cancelled, err := l.cancels.CancelRequested(ctx, jobID)
	if err != nil {
		// The sentinel is advisory; a read failure must not kill the run.
		l.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read cancel sentinel")
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// buildTask renders the user message from the task and structured context.
func buildTask(params Params) string {
	var b strings.Builder
	b.WriteString(params.Task)
	if len(params.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		for _, key := range sortedKeys(params.Context) {
			fmt.Fprintf(&b, "- %s: %s\n", key, params.Context[key])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys)-1; i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

func buildToolDefs(tools *sandbox.ToolRegistry) []provider.Tool {
	defs := tools.Definitions()
	out := make([]provider.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, provider.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

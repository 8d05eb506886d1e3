package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"
)

// ToolHandler executes one tool call against a job session.
type ToolHandler func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error)

// ToolDefinition describes a tool the model may call. InputSchema is a
// JSON Schema object shared across all provider encodings.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Handler     ToolHandler            `json:"-"`
}

// ToolResult is the normalised outcome of a tool execution. Error carries
// tool-level failures back to the model instead of failing the job.
type ToolResult struct {
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ToolRegistry maps tool names to handlers and validates inputs against
// their schemas before dispatch. Unknown names fail closed.
type ToolRegistry struct {
	mu            sync.RWMutex
	tools         map[string]*ToolDefinition
	schemas       map[string]*gojsonschema.Schema
	truncateBytes int
}

// NewToolRegistry creates a registry with the given output ceiling.
func NewToolRegistry(truncateBytes int) *ToolRegistry {
	if truncateBytes <= 0 {
		truncateBytes = DefaultConfig().TruncateBytes
	}
	return &ToolRegistry{
		tools:         make(map[string]*ToolDefinition),
		schemas:       make(map[string]*gojsonschema.Schema),
		truncateBytes: truncateBytes,
	}
}

// Register adds a tool. The input schema is compiled once here so calls
// fail fast on malformed definitions.
func (r *ToolRegistry) Register(tool ToolDefinition) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}

	if tool.InputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		r.schemas[tool.Name] = schema
	}

	r.tools[tool.Name] = &tool
	return nil
}

// Definitions returns every registered tool for the provider request.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	return out
}

// Execute dispatches one tool call. Tool-level failures come back in
// ToolResult.Error so the model can react; only infrastructure errors
// (session gone, timeout) surface as Go errors.
func (r *ToolRegistry) Execute(ctx context.Context, session Session, name string, input map[string]interface{}) (ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return ToolResult{Error: fmt.Sprintf("invalid input for %s: %v", name, err)}, nil
		}
		if !result.Valid() {
			detail := ""
			for _, desc := range result.Errors() {
				detail += desc.String() + "; "
			}
			return ToolResult{Error: fmt.Sprintf("invalid input for %s: %s", name, detail)}, nil
		}
	}

	output, err := tool.Handler(ctx, session, input)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return ToolResult{Error: toolErr.Error()}, nil
		}
		return ToolResult{}, err
	}

	return r.render(output), nil
}

// render applies the output ceiling to every string field of a handler
// output, then serialises the map. The truncated flag travels both on the
// result and inside the payload so the model can observe the cut.
func (r *ToolRegistry) render(output map[string]interface{}) ToolResult {
	if output == nil {
		output = map[string]interface{}{}
	}

	truncated := false
	for key, value := range output {
		s, ok := value.(string)
		if !ok {
			continue
		}
		cut, wasCut := Truncate(s, r.truncateBytes)
		if wasCut {
			output[key] = cut
			truncated = true
		}
	}
	if truncated {
		output["truncated"] = true
	}

	data, err := json.Marshal(output)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("failed to encode tool output: %v", err)}
	}

	return ToolResult{Content: string(data), Truncated: truncated}
}

// Truncate cuts s at the byte ceiling, backing up to a rune boundary so
// the output stays valid UTF-8. The flag is only set when content was
// actually cut: output exactly at the ceiling passes through unflagged.
func Truncate(s string, ceiling int) (string, bool) {
	if ceiling <= 0 || len(s) <= ceiling {
		return s, false
	}

	cut := ceiling
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// RegisterCoreTools registers the baseline filesystem and shell tools
// every agent receives.
func RegisterCoreTools(registry *ToolRegistry) error {
	tools := []ToolDefinition{
		readFileTool(),
		writeFileTool(),
		listDirectoryTool(),
		runCommandTool(),
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// RegisterTypedHelpers registers the task-specific helpers agents may
// carry on top of the core set.
func RegisterTypedHelpers(registry *ToolRegistry, names []string) error {
	helpers := map[string]ToolDefinition{
		"run_tests":          runTestsTool(),
		"build_docker_image": buildDockerImageTool(),
		"take_screenshot":    takeScreenshotTool(),
	}

	for _, name := range names {
		tool, ok := helpers[name]
		if !ok {
			return fmt.Errorf("unknown helper tool: %s", name)
		}
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register helper %s: %w", name, err)
		}
	}
	return nil
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// cleanPath confines a tool path to the workspace mount.
func cleanPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		p = "."
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("path must stay inside the workspace")
	}
	return p, nil
}

func readFileTool() ToolDefinition {
	return ToolDefinition{
		Name:        "read_file",
		Description: "Read contents of a file in the workspace",
		InputSchema: objectSchema(map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to file relative to the workspace root",
			},
		}, "path"),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			p, err := cleanPath(stringArg(input, "path"))
			if err != nil {
				return nil, NewToolError("read_file", "%v", err)
			}

			result, err := session.Exec(ctx, ExecRequest{Command: fmt.Sprintf("cat %s", shellQuote(p))})
			if err != nil {
				return nil, err
			}
			if result.ExitCode != 0 {
				return nil, NewToolError("read_file", "%s", strings.TrimSpace(string(result.Stderr)))
			}

			return map[string]interface{}{
				"content": string(result.Stdout),
			}, nil
		},
	}
}

func writeFileTool() ToolDefinition {
	return ToolDefinition{
		Name:        "write_file",
		Description: "Write or overwrite a file in the workspace",
		InputSchema: objectSchema(map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to file relative to the workspace root",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full content to write",
			},
		}, "path", "content"),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			p, err := cleanPath(stringArg(input, "path"))
			if err != nil {
				return nil, NewToolError("write_file", "%v", err)
			}
			content := stringArg(input, "content")

			cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(p)), shellQuote(p))
			result, err := session.Exec(ctx, ExecRequest{Command: cmd, Stdin: []byte(content)})
			if err != nil {
				return nil, err
			}
			if result.ExitCode != 0 {
				return nil, NewToolError("write_file", "%s", strings.TrimSpace(string(result.Stderr)))
			}

			return map[string]interface{}{
				"bytes_written": len(content),
			}, nil
		},
	}
}

func listDirectoryTool() ToolDefinition {
	return ToolDefinition{
		Name:        "list_directory",
		Description: "List files and directories in the workspace",
		InputSchema: objectSchema(map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to list (default: workspace root)",
			},
		}),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			p, err := cleanPath(stringArg(input, "path"))
			if err != nil {
				return nil, NewToolError("list_directory", "%v", err)
			}

			result, err := session.Exec(ctx, ExecRequest{
				Command: fmt.Sprintf("find %s -maxdepth 2 -mindepth 1 | head -200", shellQuote(p)),
			})
			if err != nil {
				return nil, err
			}
			if result.ExitCode != 0 {
				return nil, NewToolError("list_directory", "%s", strings.TrimSpace(string(result.Stderr)))
			}

			entries := []string{}
			for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
				if line != "" {
					entries = append(entries, line)
				}
			}

			return map[string]interface{}{
				"entries": entries,
			}, nil
		},
	}
}

func runCommandTool() ToolDefinition {
	return ToolDefinition{
		Name:        "run_command",
		Description: "Execute a shell command in the workspace",
		InputSchema: objectSchema(map[string]interface{}{
			"cmd": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout_s": map[string]interface{}{
				"type":        "number",
				"description": "Timeout in seconds",
			},
		}, "cmd"),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			cmd := stringArg(input, "cmd")

			var timeout time.Duration
			if seconds, ok := input["timeout_s"].(float64); ok && seconds > 0 {
				timeout = time.Duration(seconds * float64(time.Second))
			}

			result, err := session.Exec(ctx, ExecRequest{Command: cmd, Timeout: timeout})
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"stdout":      string(result.Stdout),
				"stderr":      string(result.Stderr),
				"exit_status": result.ExitCode,
			}, nil
		},
	}
}

func runTestsTool() ToolDefinition {
	return ToolDefinition{
		Name:        "run_tests",
		Description: "Run the project's test suite and report the outcome",
		InputSchema: objectSchema(map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Test command (default: auto-detected from the project layout)",
			},
		}),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			cmd := stringArg(input, "command")
			if cmd == "" {
				// Pick the first runner the project layout responds to.
				cmd = `if [ -f go.mod ]; then go test ./...; ` +
					`elif [ -f package.json ]; then npm test; ` +
					`elif [ -f pytest.ini ] || [ -d tests ]; then pytest; ` +
					`else echo "no test runner detected" >&2; exit 1; fi`
			}

			result, err := session.Exec(ctx, ExecRequest{Command: cmd})
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"stdout":      string(result.Stdout),
				"stderr":      string(result.Stderr),
				"exit_status": result.ExitCode,
				"passed":      result.ExitCode == 0,
			}, nil
		},
	}
}

func buildDockerImageTool() ToolDefinition {
	return ToolDefinition{
		Name:        "build_docker_image",
		Description: "Build a Docker image from the workspace Dockerfile",
		InputSchema: objectSchema(map[string]interface{}{
			"tag": map[string]interface{}{
				"type":        "string",
				"description": "Image tag",
			},
			"dockerfile": map[string]interface{}{
				"type":        "string",
				"description": "Dockerfile path (default: Dockerfile)",
			},
		}, "tag"),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			tag := stringArg(input, "tag")
			dockerfile := stringArg(input, "dockerfile")
			if dockerfile == "" {
				dockerfile = "Dockerfile"
			}

			cmd := fmt.Sprintf("docker build -t %s -f %s .", shellQuote(tag), shellQuote(dockerfile))
			result, err := session.Exec(ctx, ExecRequest{Command: cmd})
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"stdout":      string(result.Stdout),
				"stderr":      string(result.Stderr),
				"exit_status": result.ExitCode,
			}, nil
		},
	}
}

func takeScreenshotTool() ToolDefinition {
	return ToolDefinition{
		Name:        "take_screenshot",
		Description: "Capture a screenshot of a URL into the workspace",
		InputSchema: objectSchema(map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to capture",
			},
			"output": map[string]interface{}{
				"type":        "string",
				"description": "Output path (default: screenshot.png)",
			},
		}, "url"),
		Handler: func(ctx context.Context, session Session, input map[string]interface{}) (map[string]interface{}, error) {
			url := stringArg(input, "url")
			output := stringArg(input, "output")
			if output == "" {
				output = "screenshot.png"
			}

			// The sandbox image ships a headless chromium for this.
			cmd := fmt.Sprintf("chromium --headless --disable-gpu --screenshot=%s %s",
				shellQuote(output), shellQuote(url))
			result, err := session.Exec(ctx, ExecRequest{Command: cmd})
			if err != nil {
				return nil, err
			}
			if result.ExitCode != 0 {
				return nil, NewToolError("take_screenshot", "%s", strings.TrimSpace(string(result.Stderr)))
			}

			return map[string]interface{}{
				"path": output,
			}, nil
		},
	}
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

// shellQuote single-quotes a value for sh -c interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

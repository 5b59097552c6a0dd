package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxOutputBytes        = 64 * 1024
)

var commandDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+/`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bgit\s+push\b`),
}

// RunCommandTool executes a shell command in the workspace. The child process
// is killed when the context is cancelled or the timeout elapses.
type RunCommandTool struct {
	ws      *Workspace
	timeout time.Duration
}

func NewRunCommandTool(ws *Workspace) *RunCommandTool {
	return &RunCommandTool{ws: ws, timeout: defaultCommandTimeout}
}

func (t *RunCommandTool) Name() string {
	return "run_command"
}

func (t *RunCommandTool) Description() string {
	return "Run a shell command in the project workspace and return its output"
}

func (t *RunCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to execute",
			},
			"timeout_seconds": map[string]any{
				"type":        "number",
				"description": "Optional timeout in seconds (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	for _, re := range commandDenyPatterns {
		if re.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command rejected by policy: matches %s", re.String()))
		}
	}

	timeout := t.timeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.ws.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var out strings.Builder
	if stdout.Len() > 0 {
		out.WriteString(truncateOutput(stdout.String()))
	}
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("stderr:\n")
		out.WriteString(truncateOutput(stderr.String()))
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, out.String()))
	case ctx.Err() != nil:
		return ErrorResult("command cancelled")
	case err != nil:
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out.String()))
	}

	if out.Len() == 0 {
		return NewToolResult("(no output)")
	}
	return NewToolResult(out.String())
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (truncated)"
}

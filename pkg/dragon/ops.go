package dragon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

const gitTimeout = 60 * time.Second

// importFilesTool copies an external source tree into a project workspace so
// workers can build on an existing code base.
type importFilesTool struct {
	s *store.Store
}

func (t *importFilesTool) Name() string { return "import_files" }

func (t *importFilesTool) Description() string {
	return "Copy an external directory into a project's workspace"
}

func (t *importFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"source": map[string]any{
				"type":        "string",
				"description": "Absolute path of the directory to import",
			},
			"destination": map[string]any{
				"type":        "string",
				"description": "Workspace-relative target directory; defaults to the source's base name",
			},
		},
		"required": []string{"project", "source"},
	}
}

func (t *importFilesTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	source, ok := stringArg(args, "source")
	if !ok || source == "" {
		return tools.ErrorResult("source is required")
	}
	if !filepath.IsAbs(source) {
		return tools.ErrorResult("source must be an absolute path")
	}
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	info, err := os.Stat(source)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("source not accessible: %v", err))
	}
	if !info.IsDir() {
		return tools.ErrorResult("source must be a directory")
	}

	dest, _ := stringArg(args, "destination")
	if dest == "" {
		dest = filepath.Base(source)
	}
	ws := tools.NewWorkspace(p.Workspace, nil)
	resolved, err := ws.Resolve(dest)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	if err := os.CopyFS(resolved, os.DirFS(source)); err != nil {
		return tools.ErrorResult(fmt.Sprintf("import failed: %v", err))
	}
	return tools.NewToolResult(fmt.Sprintf("Imported %s into %s/ of project %q.", source, dest, p.Name))
}

// gitCommandTool runs one git invocation inside a project workspace. The
// arguments are split on whitespace and passed to the git binary directly;
// no shell is involved.
type gitCommandTool struct {
	s *store.Store
}

func (t *gitCommandTool) Name() string { return "git_command" }

func (t *gitCommandTool) Description() string {
	return "Run a git command in a project's workspace, for example 'init' or 'commit -m msg'"
}

func (t *gitCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"args": map[string]any{
				"type":        "string",
				"description": "Arguments after 'git', for example 'status --short'",
			},
		},
		"required": []string{"project", "args"},
	}
}

func (t *gitCommandTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	raw, ok := stringArg(args, "args")
	if !ok || strings.TrimSpace(raw) == "" {
		return tools.ErrorResult("args is required")
	}
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	fields := strings.Fields(raw)
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", fields...)
	cmd.Dir = p.Workspace
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return tools.ErrorResult("git command timed out")
		}
		if text == "" {
			text = err.Error()
		}
		return tools.ErrorResult(fmt.Sprintf("git %s failed: %s", fields[0], text))
	}
	if text == "" {
		text = fmt.Sprintf("git %s completed with no output", fields[0])
	}
	return tools.NewToolResult(text)
}

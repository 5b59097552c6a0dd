package dragon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

// wardenTool is one execution-control verb bound to a Warden method. All four
// verbs share the same argument shape, so one type covers them.
type wardenTool struct {
	s           *store.Store
	name        string
	description string
	apply       func(projectID string) error
	confirmed   string
}

func wardenTools(s *store.Store, w *Warden) []tools.Tool {
	return []tools.Tool{
		&wardenTool{s, "pause_project", "Pause task selection for a running project", w.Pause, "paused; running workers will finish their current task"},
		&wardenTool{s, "resume_project", "Resume a paused or suspended project", w.Resume, "resumed"},
		&wardenTool{s, "suspend_project", "Suspend a running project indefinitely", w.Suspend, "suspended"},
		&wardenTool{s, "cancel_project", "Cancel a project permanently; this cannot be undone", w.Cancel, "cancelled; this is permanent"},
		&wardenTool{s, "retry_project", "Requeue a failed project for a fresh analysis", w.Retry, "requeued for analysis"},
	}
}

func (t *wardenTool) Name() string        { return t.name }
func (t *wardenTool) Description() string { return t.description }

func (t *wardenTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
		},
		"required": []string{"project"},
	}
}

func (t *wardenTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if err := t.apply(p.ID); err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewToolResult(fmt.Sprintf("Project %q %s.", p.Name, t.confirmed))
}

// setAllowedPathsTool grants workers access to directories outside the
// workspace.
type setAllowedPathsTool struct {
	s *store.Store
}

func (t *setAllowedPathsTool) Name() string { return "set_allowed_paths" }

func (t *setAllowedPathsTool) Description() string {
	return "Set the external directories a project's workers may access"
}

func (t *setAllowedPathsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"paths": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Absolute directory paths; replaces the previous list",
			},
		},
		"required": []string{"project", "paths"},
	}
}

func (t *setAllowedPathsTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	raw, ok := args["paths"].([]any)
	if !ok {
		return tools.ErrorResult("paths must be an array of strings")
	}
	paths := make([]string, 0, len(raw))
	for _, v := range raw {
		path, ok := v.(string)
		if !ok {
			return tools.ErrorResult("paths must be an array of strings")
		}
		if !filepath.IsAbs(path) {
			return tools.ErrorResult(fmt.Sprintf("allowed paths must be absolute, got %q", path))
		}
		paths = append(paths, filepath.Clean(path))
	}

	err = t.s.UpdateProject(p.ID, func(proj *store.Project) error {
		proj.AllowedPaths = paths
		return nil
	})
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if len(paths) == 0 {
		return tools.NewToolResult(fmt.Sprintf("External access for %q revoked.", p.Name))
	}
	return tools.NewToolResult(fmt.Sprintf("Workers of %q may now access: %s", p.Name, strings.Join(paths, ", ")))
}

// configureAgentTool edits the per-project agent configuration. Absent
// arguments leave their fields untouched.
type configureAgentTool struct {
	s *store.Store
}

func (t *configureAgentTool) Name() string { return "configure_agent" }

func (t *configureAgentTool) Description() string {
	return "Change a project's agent settings: provider, model, worker limits, planning, interactivity"
}

func (t *configureAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"provider": map[string]any{
				"type":        "string",
				"description": "LLM provider name",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model identifier",
			},
			"parallel_workers": map[string]any{
				"type":        "integer",
				"description": "Maximum concurrent workers for this project",
			},
			"worker_max_retries": map[string]any{
				"type":        "integer",
				"description": "Task retries before a failure is terminal",
			},
			"planning_enabled": map[string]any{
				"type":        "boolean",
				"description": "Whether workers run a planning pass before executing",
			},
			"interactive": map[string]any{
				"type":        "boolean",
				"description": "Whether workers may ask the user questions",
			},
		},
		"required": []string{"project"},
	}
}

func (t *configureAgentTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	var changes []string
	err = t.s.UpdateProject(p.ID, func(proj *store.Project) error {
		if v, ok := stringArg(args, "provider"); ok && v != "" {
			changes = append(changes, fmt.Sprintf("provider %q -> %q", proj.Agent.Provider, v))
			proj.Agent.Provider = v
		}
		if v, ok := stringArg(args, "model"); ok && v != "" {
			changes = append(changes, fmt.Sprintf("model %q -> %q", proj.Agent.Model, v))
			proj.Agent.Model = v
		}
		if v, ok := intArg(args, "parallel_workers"); ok {
			if v < 1 {
				return fmt.Errorf("parallel_workers must be at least 1")
			}
			changes = append(changes, fmt.Sprintf("parallel_workers %d -> %d", proj.Agent.ParallelWorkers, v))
			proj.Agent.ParallelWorkers = v
		}
		if v, ok := intArg(args, "worker_max_retries"); ok {
			if v < 0 {
				return fmt.Errorf("worker_max_retries must not be negative")
			}
			changes = append(changes, fmt.Sprintf("worker_max_retries %d -> %d", proj.Agent.WorkerMaxRetries, v))
			proj.Agent.WorkerMaxRetries = v
		}
		if v, ok := args["planning_enabled"].(bool); ok {
			changes = append(changes, fmt.Sprintf("planning_enabled %t -> %t", proj.Agent.PlanningEnabled, v))
			proj.Agent.PlanningEnabled = v
		}
		if v, ok := args["interactive"].(bool); ok {
			changes = append(changes, fmt.Sprintf("interactive %t -> %t", proj.Agent.Interactive, v))
			proj.Agent.Interactive = v
		}
		return nil
	})
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if len(changes) == 0 {
		return tools.NewToolResult("No settings changed.")
	}
	return tools.NewToolResult(fmt.Sprintf("Updated %q: %s", p.Name, strings.Join(changes, "; ")))
}

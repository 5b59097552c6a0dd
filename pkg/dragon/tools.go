package dragon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

// resolveProject accepts a project id or name; names are what users type.
func resolveProject(s *store.Store, ref string) (*store.Project, error) {
	if p, ok := s.Project(ref); ok {
		return p, nil
	}
	if p, ok := s.ProjectByName(ref); ok {
		return p, nil
	}
	return nil, fmt.Errorf("project %q not found", ref)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

// intArg tolerates the float64 that JSON decoding produces for numbers.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func projectParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Project name or id",
	}
}

// createProjectTool registers a new project in Prototype.
type createProjectTool struct {
	s *store.Store
}

func (t *createProjectTool) Name() string { return "create_project" }

func (t *createProjectTool) Description() string {
	return "Create a new project in Prototype state"
}

func (t *createProjectTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Unique project name",
			},
			"provider": map[string]any{
				"type":        "string",
				"description": "LLM provider for this project's workers (optional)",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model override for this project's workers (optional)",
			},
		},
		"required": []string{"name"},
	}
}

func (t *createProjectTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	name, ok := stringArg(args, "name")
	if !ok || strings.TrimSpace(name) == "" {
		return tools.ErrorResult("name is required")
	}
	agent := store.AgentConfig{}
	agent.Provider, _ = stringArg(args, "provider")
	agent.Model, _ = stringArg(args, "model")

	p, err := t.s.CreateProject(strings.TrimSpace(name), agent)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewToolResult(fmt.Sprintf("Created project %q (id %s) in Prototype. Write its specification next.", p.Name, p.ID))
}

// updateSpecificationTool replaces the specification body of a draft.
type updateSpecificationTool struct {
	s *store.Store
}

func (t *updateSpecificationTool) Name() string { return "update_specification" }

func (t *updateSpecificationTool) Description() string {
	return "Replace the specification body of an unapproved project"
}

func (t *updateSpecificationTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"content": map[string]any{
				"type":        "string",
				"description": "Full markdown specification body",
			},
		},
		"required": []string{"project", "content"},
	}
}

func (t *updateSpecificationTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	content, ok := stringArg(args, "content")
	if !ok {
		return tools.ErrorResult("content is required")
	}
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	spec, err := t.s.LoadSpecification(p.ID)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if spec.Status == store.SpecApproved {
		return tools.ErrorResult("specification is already approved and frozen")
	}
	if err := t.s.SaveSpecificationBody(p.ID, content); err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewToolResult(fmt.Sprintf("Specification of %q updated (%d bytes).", p.Name, len(content)))
}

// addFeatureTool appends a feature to the specification.
type addFeatureTool struct {
	s *store.Store
}

func (t *addFeatureTool) Name() string { return "add_feature" }

func (t *addFeatureTool) Description() string {
	return "Add a feature with a priority to a project's specification"
}

func (t *addFeatureTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
			"name": map[string]any{
				"type":        "string",
				"description": "Short feature name",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "What the feature does (optional)",
			},
			"priority": map[string]any{
				"type":        "integer",
				"description": "1 (lowest) to 10 (highest), default 5",
			},
		},
		"required": []string{"project", "name"},
	}
}

func (t *addFeatureTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	name, ok := stringArg(args, "name")
	if !ok || strings.TrimSpace(name) == "" {
		return tools.ErrorResult("name is required")
	}
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	description, _ := stringArg(args, "description")
	priority, ok := intArg(args, "priority")
	if !ok {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return tools.ErrorResult("priority must be between 1 and 10")
	}

	spec, err := t.s.LoadSpecification(p.ID)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	f := store.NewFeature(strings.TrimSpace(name), description, priority)
	spec.Features = append(spec.Features, f)
	if err := t.s.SaveSpecification(p.ID, spec); err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewToolResult(fmt.Sprintf("Feature %q (priority %d) added to %q, %d features total.", f.Name, priority, p.Name, len(spec.Features)))
}

// approveSpecificationTool is the second stage of the two-stage approval:
// nothing executes before it is called.
type approveSpecificationTool struct {
	s *store.Store
}

func (t *approveSpecificationTool) Name() string { return "approve_specification" }

func (t *approveSpecificationTool) Description() string {
	return "Approve a specification, releasing the project to the analyzer"
}

func (t *approveSpecificationTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
		},
		"required": []string{"project"},
	}
}

func (t *approveSpecificationTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	body, err := t.s.LoadSpecificationBody(p.ID)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if strings.TrimSpace(body) == "" {
		return tools.ErrorResult("specification body is empty; write it before approving")
	}
	spec, err := t.s.LoadSpecification(p.ID)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	// A Prototype project with an already-approved specification means a
	// crash interrupted a previous approval; finishing the transition is the
	// right recovery.
	if spec.Status == store.SpecApproved && p.Status != store.ProjectPrototype {
		return tools.ErrorResult("specification is already approved")
	}
	if len(spec.Features) == 0 {
		return tools.ErrorResult("specification has no features; add at least one before approving")
	}

	// Persist the frozen specification before releasing the project: the
	// analyzer must never see a New project with a Prototype specification.
	spec.Status = store.SpecApproved
	if err := t.s.SaveSpecification(p.ID, spec); err != nil {
		return tools.ErrorResult(err.Error())
	}
	if err := t.s.TransitionProject(p.ID, store.ProjectNew, "dragon", "specification approved"); err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.NewToolResult(fmt.Sprintf("Specification of %q approved. The analyzer will pick it up on its next scan.", p.Name))
}

// listProjectsTool enumerates the registry.
type listProjectsTool struct {
	s *store.Store
}

func (t *listProjectsTool) Name() string { return "list_projects" }

func (t *listProjectsTool) Description() string {
	return "List all projects with their lifecycle status"
}

func (t *listProjectsTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *listProjectsTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	projects := t.s.Projects()
	if len(projects) == 0 {
		return tools.NewToolResult("No projects yet.")
	}
	var b strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s [%s] (id %s)", p.Name, p.Status, p.ID)
		if p.ErrorMessage != "" {
			fmt.Fprintf(&b, " error: %s", p.ErrorMessage)
		}
		b.WriteString("\n")
	}
	return tools.NewToolResult(b.String())
}

// projectStatusTool reports lifecycle, feature and per-area task progress.
type projectStatusTool struct {
	s *store.Store
}

func (t *projectStatusTool) Name() string { return "project_status" }

func (t *projectStatusTool) Description() string {
	return "Report a project's status, features, and task progress per area"
}

func (t *projectStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": projectParam(),
		},
		"required": []string{"project"},
	}
}

func (t *projectStatusTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	ref, _ := stringArg(args, "project")
	p, err := resolveProject(t.s, ref)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s (id %s)\nStatus: %s\n", p.Name, p.ID, p.Status)
	if p.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", p.ErrorMessage)
	}

	spec, err := t.s.LoadSpecification(p.ID)
	if err == nil && len(spec.Features) > 0 {
		b.WriteString("Features:\n")
		for _, f := range spec.Features {
			fmt.Fprintf(&b, "- %s [%s] priority %d\n", f.Name, f.Status, f.Priority)
		}
	}

	areas, err := t.s.Areas(p.ID)
	if err == nil && len(areas) > 0 {
		sort.Strings(areas)
		b.WriteString("Tasks:\n")
		for _, area := range areas {
			tracker, err := t.s.LoadTracker(p.ID, area)
			if err != nil {
				continue
			}
			counts := map[store.TaskStatus]int{}
			for _, task := range tracker.Tasks {
				counts[task.Status]++
			}
			fmt.Fprintf(&b, "- %s: %d/%d done", area, counts[store.TaskDone], len(tracker.Tasks))
			if n := counts[store.TaskWorking] + counts[store.TaskNotInitialized]; n > 0 {
				fmt.Fprintf(&b, ", %d in flight", n)
			}
			if counts[store.TaskFailed] > 0 {
				fmt.Fprintf(&b, ", %d failed", counts[store.TaskFailed])
			}
			b.WriteString("\n")
		}
	}
	return tools.NewToolResult(b.String())
}

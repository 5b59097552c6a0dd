package dragon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateProjectTool(t *testing.T) {
	s := openStore(t)
	tool := &createProjectTool{s}

	result := tool.Execute(context.Background(), map[string]any{"name": "site"})
	require.False(t, result.IsError, result.ForLLM)
	assert.Contains(t, result.ForLLM, "Prototype")

	p, ok := s.ProjectByName("site")
	require.True(t, ok)
	assert.Equal(t, store.ProjectPrototype, p.Status)

	dup := tool.Execute(context.Background(), map[string]any{"name": "site"})
	assert.True(t, dup.IsError)
}

func TestApprovalGate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.False(t, (&createProjectTool{s}).Execute(ctx, map[string]any{"name": "site"}).IsError)

	approve := &approveSpecificationTool{s}

	// No body yet.
	result := approve.Execute(ctx, map[string]any{"project": "site"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "body is empty")

	update := &updateSpecificationTool{s}
	require.False(t, update.Execute(ctx, map[string]any{
		"project": "site",
		"content": "Build a static site generator.",
	}).IsError)

	// Body but no features.
	result = approve.Execute(ctx, map[string]any{"project": "site"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "no features")

	require.False(t, (&addFeatureTool{s}).Execute(ctx, map[string]any{
		"project":  "site",
		"name":     "markdown rendering",
		"priority": float64(8),
	}).IsError)

	result = approve.Execute(ctx, map[string]any{"project": "site"})
	require.False(t, result.IsError, result.ForLLM)

	p, _ := s.ProjectByName("site")
	assert.Equal(t, store.ProjectNew, p.Status)
	spec, err := s.LoadSpecification(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpecApproved, spec.Status)

	// The approved specification is frozen.
	assert.True(t, approve.Execute(ctx, map[string]any{"project": "site"}).IsError)
	frozen := update.Execute(ctx, map[string]any{"project": "site", "content": "rewrite"})
	require.True(t, frozen.IsError)
	assert.Contains(t, frozen.ForLLM, "already approved")
}

func seedInProgress(t *testing.T, s *store.Store) *store.Project {
	t.Helper()
	p, err := s.CreateProject("running", store.AgentConfig{})
	require.NoError(t, err)
	for _, status := range []store.ProjectStatus{
		store.ProjectNew, store.ProjectAnalyzerAssigned,
		store.ProjectAnalyzed, store.ProjectInProgress,
	} {
		require.NoError(t, s.TransitionProject(p.ID, status, "test", ""))
	}
	return p
}

func TestWardenFlow(t *testing.T) {
	s := openStore(t)
	p := seedInProgress(t, s)
	ctx := context.Background()

	find := func(name string) *wardenTool {
		for _, tool := range wardenTools(s, NewWarden(s)) {
			if tool.Name() == name {
				return tool.(*wardenTool)
			}
		}
		t.Fatalf("no warden tool %s", name)
		return nil
	}
	status := func() store.ProjectStatus {
		got, _ := s.Project(p.ID)
		return got.Status
	}
	args := map[string]any{"project": "running"}

	require.False(t, find("pause_project").Execute(ctx, args).IsError)
	assert.Equal(t, store.ProjectPaused, status())

	require.False(t, find("resume_project").Execute(ctx, args).IsError)
	assert.Equal(t, store.ProjectInProgress, status())

	require.False(t, find("suspend_project").Execute(ctx, args).IsError)
	assert.Equal(t, store.ProjectSuspended, status())

	require.False(t, find("resume_project").Execute(ctx, args).IsError)
	require.False(t, find("cancel_project").Execute(ctx, args).IsError)
	assert.Equal(t, store.ProjectCancelled, status())

	// Cancelled is terminal.
	assert.True(t, find("resume_project").Execute(ctx, args).IsError)
}

func TestWardenRejectsIllegalControl(t *testing.T) {
	s := openStore(t)
	_, err := s.CreateProject("draft", store.AgentConfig{})
	require.NoError(t, err)

	var pause *wardenTool
	for _, tool := range wardenTools(s, NewWarden(s)) {
		if tool.Name() == "pause_project" {
			pause = tool.(*wardenTool)
		}
	}
	result := pause.Execute(context.Background(), map[string]any{"project": "draft"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "illegal")
}

func TestSetAllowedPaths(t *testing.T) {
	s := openStore(t)
	p, err := s.CreateProject("site", store.AgentConfig{})
	require.NoError(t, err)
	tool := &setAllowedPathsTool{s}
	ctx := context.Background()

	rejected := tool.Execute(ctx, map[string]any{
		"project": "site",
		"paths":   []any{"relative/dir"},
	})
	require.True(t, rejected.IsError)
	assert.Contains(t, rejected.ForLLM, "absolute")

	dir := t.TempDir()
	require.False(t, tool.Execute(ctx, map[string]any{
		"project": "site",
		"paths":   []any{dir},
	}).IsError)

	got, _ := s.Project(p.ID)
	assert.Equal(t, []string{dir}, got.AllowedPaths)
}

func TestConfigureAgent(t *testing.T) {
	s := openStore(t)
	_, err := s.CreateProject("site", store.AgentConfig{Provider: "anthropic", ParallelWorkers: 3})
	require.NoError(t, err)
	tool := &configureAgentTool{s}
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]any{
		"project":          "site",
		"parallel_workers": float64(5),
		"planning_enabled": true,
	})
	require.False(t, result.IsError, result.ForLLM)
	assert.Contains(t, result.ForLLM, "parallel_workers 3 -> 5")

	p, _ := s.ProjectByName("site")
	assert.Equal(t, 5, p.Agent.ParallelWorkers)
	assert.True(t, p.Agent.PlanningEnabled)

	bad := tool.Execute(ctx, map[string]any{
		"project":          "site",
		"parallel_workers": float64(0),
	})
	assert.True(t, bad.IsError)
}

func TestProjectStatusTool(t *testing.T) {
	s := openStore(t)
	p, err := s.CreateProject("site", store.AgentConfig{})
	require.NoError(t, err)
	require.NoError(t, s.SaveSpecification(p.ID, &store.Specification{
		Status:   store.SpecApproved,
		Features: []*store.Feature{store.NewFeature("render", "", 7)},
	}))
	now := store.TrackerTimestamp(time.Now())
	tracker := &store.Tracker{Area: "backend"}
	tracker.MergeGraph([]store.GraphTask{
		{ID: "backend-1", Name: "one", Priority: 5},
		{ID: "backend-2", Name: "two", Priority: 5},
	}, now)
	require.NoError(t, tracker.Transition("backend-1", store.TaskNotInitialized))
	require.NoError(t, tracker.Transition("backend-1", store.TaskWorking))
	require.NoError(t, tracker.Transition("backend-1", store.TaskDone))
	require.NoError(t, s.SaveTracker(p.ID, tracker))

	result := (&projectStatusTool{s}).Execute(context.Background(), map[string]any{"project": "site"})
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, "Status: Prototype")
	assert.Contains(t, result.ForLLM, "render")
	assert.Contains(t, result.ForLLM, "backend: 1/2 done")
}

func TestImportFiles(t *testing.T) {
	s := openStore(t)
	p, err := s.CreateProject("site", store.AgentConfig{})
	require.NoError(t, err)

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "main.py"), []byte("print('hi')\n"), 0o644))

	tool := &importFilesTool{s}
	ctx := context.Background()

	relative := tool.Execute(ctx, map[string]any{"project": "site", "source": "some/dir"})
	assert.True(t, relative.IsError)

	result := tool.Execute(ctx, map[string]any{
		"project":     "site",
		"source":      source,
		"destination": "imported",
	})
	require.False(t, result.IsError, result.ForLLM)

	data, err := os.ReadFile(filepath.Join(p.Workspace, "imported", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestGitCommandTool(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	s := openStore(t)
	_, err := s.CreateProject("site", store.AgentConfig{})
	require.NoError(t, err)
	tool := &gitCommandTool{s}
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]any{"project": "site", "args": "init"})
	require.False(t, result.IsError, result.ForLLM)

	status := tool.Execute(ctx, map[string]any{"project": "site", "args": "status --short"})
	assert.False(t, status.IsError, status.ForLLM)

	bogus := tool.Execute(ctx, map[string]any{"project": "site", "args": "definitely-not-a-subcommand"})
	assert.True(t, bogus.IsError)
}

func TestDelegateUnknownMember(t *testing.T) {
	council := NewCouncil(Options{Store: openStore(t), Provider: &scriptedProvider{
		responses: []*providers.LLMResponse{{Content: "ok", FinishReason: "stop"}},
	}})
	tool := &delegateTool{council: council}

	result := tool.Execute(context.Background(), map[string]any{
		"member":      "jester",
		"instruction": "entertain",
	})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "unknown council member")
}

func TestCouncilSpecManagerDispatch(t *testing.T) {
	s := openStore(t)
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{
			ID: "c1", Name: "create_project",
			Arguments: map[string]any{"name": "blog"},
		}}, FinishReason: "tool_calls"},
		{Content: "Created the blog project.", FinishReason: "stop"},
	}}
	council := NewCouncil(Options{Store: s, Provider: provider})

	answer, err := council.Dispatch(context.Background(), MemberSpecManager, "start a project called blog")
	require.NoError(t, err)
	assert.Contains(t, answer, "blog")

	_, ok := s.ProjectByName("blog")
	assert.True(t, ok, "the sub-agent's tool call took effect")
}

func TestDragonTurnCreatesProject(t *testing.T) {
	s := openStore(t)
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{
			ID: "c1", Name: "create_project",
			Arguments: map[string]any{"name": "site"},
		}}, FinishReason: "tool_calls"},
		{Content: "Project site is ready for its specification.", FinishReason: "stop"},
	}}
	d := New(Options{Store: s, Provider: provider})

	answer, err := d.RunTurn(context.Background(), "I want to build a website")
	require.NoError(t, err)
	assert.Contains(t, answer, "site")

	p, ok := s.ProjectByName("site")
	require.True(t, ok)
	assert.Equal(t, store.ProjectPrototype, p.Status)
}

func TestApprovalRecoversFromInterruptedApproval(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.False(t, (&createProjectTool{s}).Execute(ctx, map[string]any{"name": "site"}).IsError)
	require.False(t, (&updateSpecificationTool{s}).Execute(ctx, map[string]any{
		"project": "site",
		"content": "Build a static site generator.",
	}).IsError)
	require.False(t, (&addFeatureTool{s}).Execute(ctx, map[string]any{
		"project": "site",
		"name":    "markdown rendering",
	}).IsError)

	// Simulate a crash after the specification froze but before the project
	// transitioned: spec Approved, project still Prototype.
	p, ok := s.ProjectByName("site")
	require.True(t, ok)
	spec, err := s.LoadSpecification(p.ID)
	require.NoError(t, err)
	spec.Status = store.SpecApproved
	require.NoError(t, s.SaveSpecification(p.ID, spec))

	// Re-approving completes the interrupted approval instead of erroring.
	result := (&approveSpecificationTool{s}).Execute(ctx, map[string]any{"project": "site"})
	require.False(t, result.IsError, result.ForLLM)

	p, _ = s.ProjectByName("site")
	assert.Equal(t, store.ProjectNew, p.Status)

	// Once the project has left Prototype the approval is frozen for good.
	assert.True(t, (&approveSpecificationTool{s}).Execute(ctx, map[string]any{"project": "site"}).IsError)
}

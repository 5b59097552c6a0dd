package wyvern

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
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
	return &providers.LLMResponse{Content: p.responses[idx], FinishReason: "stop"}, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

const goodAnalysis = `Here you go:
` + "```json" + `
{
  "project_name": "demo",
  "total_tasks": 3,
  "areas": [
    {
      "name": "Backend",
      "tasks": [
        {"id": "backend-1", "name": "greet feature scaffold", "description": "set up", "depends_on": [], "level": 0, "specialization": "backend", "priority": 8},
        {"id": "backend-2", "name": "implement greeting", "description": "covers the greet feature", "depends_on": ["backend-1"], "level": 1, "specialization": "backend", "priority": 5}
      ]
    },
    {
      "name": "testing",
      "tasks": [
        {"id": "testing-1", "name": "verify output", "description": "test it", "depends_on": ["backend-2"], "level": 2, "specialization": "testing", "priority": 3}
      ]
    }
  ]
}
` + "```"

func approvedProject(t *testing.T) (*store.Store, *store.Project) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	p, err := s.CreateProject("demo", store.AgentConfig{Provider: "anthropic"})
	require.NoError(t, err)
	require.NoError(t, s.SaveSpecificationBody(p.ID, "Build a CLI that prints 'hi'"))
	require.NoError(t, s.SaveSpecification(p.ID, &store.Specification{
		Status:   store.SpecApproved,
		Features: []*store.Feature{store.NewFeature("greet", "prints hi", 5)},
	}))
	return s, p
}

func TestAnalyzeHappyPath(t *testing.T) {
	s, p := approvedProject(t)
	a := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{goodAnalysis}}})

	require.NoError(t, a.Run(context.Background(), p.ID))

	graph, err := s.LoadAnalysis(p.ID)
	require.NoError(t, err)
	require.NotNil(t, graph)
	assert.Equal(t, 3, graph.TotalTasks)
	require.Len(t, graph.Areas, 2)
	assert.Equal(t, "backend", graph.Areas[0].Name, "area names are normalised")

	// Trackers are seeded with every task Unassigned.
	for _, area := range []string{"backend", "testing"} {
		tracker, err := s.LoadTracker(p.ID, area)
		require.NoError(t, err)
		require.NotEmpty(t, tracker.Tasks)
		for _, task := range tracker.Tasks {
			assert.Equal(t, store.TaskUnassigned, task.Status)
		}
	}

	// Feature is claimed and linked by substring match on "greet".
	spec, err := s.LoadSpecification(p.ID)
	require.NoError(t, err)
	f := spec.Features[0]
	assert.Equal(t, store.FeatureAssignedToAnalyzer, f.Status)
	assert.Contains(t, f.TaskIDs, "backend-1")
	assert.Contains(t, f.TaskIDs, "backend-2")
}

func TestAnalyzeParseFailure(t *testing.T) {
	s, p := approvedProject(t)
	a := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{"I had trouble with that."}}})

	err := a.Run(context.Background(), p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	graph, loadErr := s.LoadAnalysis(p.ID)
	require.NoError(t, loadErr)
	assert.Nil(t, graph, "no partial analysis is persisted")
}

func TestAnalyzeRejectsCycle(t *testing.T) {
	s, p := approvedProject(t)
	cyclic := `{"project_name":"demo","total_tasks":2,"areas":[{"name":"a","tasks":[
		{"id":"a-1","name":"one","depends_on":["a-2"],"priority":1},
		{"id":"a-2","name":"two","depends_on":["a-1"],"priority":1}]}]}`
	a := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{cyclic}}})

	err := a.Run(context.Background(), p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid task graph")
}

func TestAnalyzeRequiresApprovedSpec(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	p, err := s.CreateProject("draft", store.AgentConfig{})
	require.NoError(t, err)
	require.NoError(t, s.SaveSpecificationBody(p.ID, "something"))
	require.NoError(t, s.SaveSpecification(p.ID, &store.Specification{Status: store.SpecPrototype}))

	a := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{goodAnalysis}}})
	assert.ErrorContains(t, a.Run(context.Background(), p.ID), "not approved")
}

func TestReanalysisPreservesTaskState(t *testing.T) {
	s, p := approvedProject(t)
	a := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{goodAnalysis}}})
	require.NoError(t, a.Run(context.Background(), p.ID))

	// Simulate execution progress.
	require.NoError(t, s.UpdateTracker(p.ID, "backend", func(tr *store.Tracker) error {
		if err := tr.Transition("backend-1", store.TaskNotInitialized); err != nil {
			return err
		}
		if err := tr.Transition("backend-1", store.TaskWorking); err != nil {
			return err
		}
		if err := tr.Transition("backend-1", store.TaskDone); err != nil {
			return err
		}
		task, _ := tr.Task("backend-1")
		task.Worker = "kobold-original"
		if err := tr.Transition("backend-2", store.TaskNotInitialized); err != nil {
			return err
		}
		return tr.Transition("backend-2", store.TaskWorking)
	}))

	// Re-run with an analysis that adds backend-3 and drops testing-1's area
	// unchanged.
	extended := `{"project_name":"demo","total_tasks":4,"areas":[
		{"name":"backend","tasks":[
			{"id":"backend-1","name":"greet feature scaffold","depends_on":[],"priority":8},
			{"id":"backend-2","name":"implement greeting","depends_on":["backend-1"],"priority":5},
			{"id":"backend-3","name":"new endpoint","depends_on":["backend-2"],"priority":4}]},
		{"name":"testing","tasks":[
			{"id":"testing-1","name":"verify output","depends_on":["backend-2"],"priority":3}]}]}`
	a2 := New(Options{Store: s, Provider: &scriptedProvider{responses: []string{extended}}})
	require.NoError(t, a2.Run(context.Background(), p.ID))

	tracker, err := s.LoadTracker(p.ID, "backend")
	require.NoError(t, err)

	done, _ := tracker.Task("backend-1")
	assert.Equal(t, store.TaskDone, done.Status)
	assert.Equal(t, "kobold-original", done.Worker)

	working, _ := tracker.Task("backend-2")
	assert.Equal(t, store.TaskWorking, working.Status)

	fresh, ok := tracker.Task("backend-3")
	require.True(t, ok)
	assert.Equal(t, store.TaskUnassigned, fresh.Status)
}

func TestAnalyzeStructurePass(t *testing.T) {
	s, p := approvedProject(t)
	provider := &scriptedProvider{responses: []string{
		goodAnalysis,
		"## Layout\n\nPut sources in src/, tests in tests/.",
	}}
	a := New(Options{Store: s, Provider: provider, InferStructure: true})
	require.NoError(t, a.Run(context.Background(), p.ID))

	graph, err := s.LoadAnalysis(p.ID)
	require.NoError(t, err)
	assert.Contains(t, graph.Structure, "src/")
}

func TestWorkspaceListingEmpty(t *testing.T) {
	assert.Empty(t, workspaceListing(t.TempDir()))
}

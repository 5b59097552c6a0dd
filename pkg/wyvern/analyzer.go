// Package wyvern implements the analyzer: it turns an approved specification
// into a partitioned, dependency-ordered task graph and seeds the per-area
// tracker files.
package wyvern

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/jsonx"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
)

// analysisDoc is the JSON shape the analyzer model is asked to produce.
type analysisDoc struct {
	ProjectName string    `json:"project_name"`
	TotalTasks  int       `json:"total_tasks"`
	Areas       []areaDoc `json:"areas"`
}

type areaDoc struct {
	Name  string    `json:"name"`
	Tasks []taskDoc `json:"tasks"`
}

type taskDoc struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	DependsOn      []string `json:"depends_on"`
	Level          int      `json:"level"`
	Specialization string   `json:"specialization"`
	Priority       int      `json:"priority"`
	FeatureID      string   `json:"feature_id"`
}

// Options configures an analyzer run.
type Options struct {
	Store          *store.Store
	Provider       providers.LLMProvider
	Model          string
	MaxTokens      int
	Temperature    float64
	Hints          string
	InferStructure bool
}

// Analyzer decomposes one specification per Run call.
type Analyzer struct {
	opts Options
}

func New(opts Options) *Analyzer {
	return &Analyzer{opts: opts}
}

// Run analyses one project. The caller (the analyzer driver) owns the
// surrounding project status transitions; Run returns an error when the
// analysis cannot be produced or persisted.
func (a *Analyzer) Run(ctx context.Context, projectID string) error {
	s := a.opts.Store
	project, ok := s.Project(projectID)
	if !ok {
		return fmt.Errorf("project %s not found", projectID)
	}

	body, err := s.LoadSpecificationBody(projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("specification body is empty")
	}
	spec, err := s.LoadSpecification(projectID)
	if err != nil {
		return err
	}
	if spec.Status != store.SpecApproved {
		return fmt.Errorf("specification is not approved")
	}

	// Claim the New features before the LLM call so a concurrent observer
	// sees them as in analysis.
	claimed := 0
	for _, f := range spec.Features {
		if f.Status == store.FeatureNew {
			f.Status = store.FeatureAssignedToAnalyzer
			claimed++
		}
	}
	if claimed > 0 {
		if err := s.SaveSpecification(projectID, spec); err != nil {
			return err
		}
	}

	doc, err := a.analyse(ctx, project.Name, body, spec)
	if err != nil {
		return err
	}

	graph := docToGraph(doc)
	if err := graph.ComputeLevels(); err != nil {
		return fmt.Errorf("invalid task graph: %w", err)
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("invalid task graph: %w", err)
	}

	if a.opts.InferStructure {
		graph.Structure = a.inferStructure(ctx, projectID, body)
	}

	linkFeatures(spec, graph)
	if err := s.SaveSpecification(projectID, spec); err != nil {
		return err
	}
	if err := s.SaveAnalysis(projectID, graph); err != nil {
		return err
	}

	now := store.TrackerTimestamp(time.Now())
	for _, area := range graph.Areas {
		tasks := area.Tasks
		err := s.UpdateTracker(projectID, area.Name, func(t *store.Tracker) error {
			t.MergeGraph(tasks, now)
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.InfoCF("wyvern", "analysis complete", map[string]any{
		"project": projectID,
		"areas":   len(graph.Areas),
		"tasks":   graph.TotalTasks,
	})
	return nil
}

func (a *Analyzer) analyse(ctx context.Context, projectName, body string, spec *store.Specification) (*analysisDoc, error) {
	analyst := agent.New(agent.Options{
		Name:          "wyvern",
		Provider:      a.opts.Provider,
		SystemPrompt:  analyzerSystemPrompt,
		Model:         a.opts.Model,
		MaxTokens:     a.opts.MaxTokens,
		Temperature:   a.opts.Temperature,
		MaxIterations: 1,
	})
	reply, err := analyst.RunTurn(ctx, analysisPrompt(projectName, body, spec, a.opts.Hints))
	if err != nil {
		return nil, err
	}

	var doc analysisDoc
	if err := jsonx.Decode(reply, &doc); err != nil {
		return nil, fmt.Errorf("analysis parse error: %w", err)
	}
	if len(doc.Areas) == 0 {
		return nil, fmt.Errorf("analysis parse error: no areas in response")
	}
	return &doc, nil
}

// inferStructure runs the optional second pass that proposes file-layout
// conventions. Failures just leave the metadata empty.
func (a *Analyzer) inferStructure(ctx context.Context, projectID, body string) string {
	listing := workspaceListing(a.opts.Store.WorkspaceDir(projectID))
	structurer := agent.New(agent.Options{
		Name:          "wyvern-structure",
		Provider:      a.opts.Provider,
		SystemPrompt:  structureSystemPrompt,
		Model:         a.opts.Model,
		MaxTokens:     a.opts.MaxTokens,
		Temperature:   a.opts.Temperature,
		MaxIterations: 1,
	})
	reply, err := structurer.RunTurn(ctx, structurePrompt(body, listing))
	if err != nil {
		logger.WarnCF("wyvern", "structure pass failed", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(reply)
}

func docToGraph(doc *analysisDoc) *store.TaskGraph {
	graph := &store.TaskGraph{
		ProjectName: doc.ProjectName,
		CreatedAt:   time.Now().UTC(),
	}
	total := 0
	for _, area := range doc.Areas {
		out := store.Area{Name: strings.ToLower(strings.TrimSpace(area.Name))}
		for _, task := range area.Tasks {
			out.Tasks = append(out.Tasks, store.GraphTask{
				ID:             task.ID,
				Name:           task.Name,
				Description:    task.Description,
				DependsOn:      task.DependsOn,
				Level:          task.Level,
				Specialization: task.Specialization,
				Priority:       task.Priority,
				FeatureID:      task.FeatureID,
			})
			total++
		}
		graph.Areas = append(graph.Areas, out)
	}
	graph.TotalTasks = total
	return graph
}

// linkFeatures populates each feature's task list: explicit feature_id
// references first, then name substring matches against task name and
// description.
func linkFeatures(spec *store.Specification, graph *store.TaskGraph) {
	for _, f := range spec.Features {
		seen := make(map[string]bool, len(f.TaskIDs))
		for _, id := range f.TaskIDs {
			seen[id] = true
		}
		needle := strings.ToLower(f.Name)
		for _, task := range graph.AllTasks() {
			match := task.FeatureID == f.ID
			if !match && needle != "" {
				haystack := strings.ToLower(task.Name + " " + task.Description)
				match = strings.Contains(haystack, needle)
			}
			if match && !seen[task.ID] {
				f.TaskIDs = append(f.TaskIDs, task.ID)
				seen[task.ID] = true
			}
		}
	}
}

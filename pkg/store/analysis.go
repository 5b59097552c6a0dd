package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dragonsden/den/pkg/fsutil"
)

// GraphTask is one unit of work in the analysis.
type GraphTask struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Level          int      `json:"level"`
	Specialization string   `json:"specialization,omitempty"`
	Priority       int      `json:"priority"`
	FeatureID      string   `json:"feature_id,omitempty"`
}

// Area is a named partition of tasks, e.g. "backend".
type Area struct {
	Name  string      `json:"name"`
	Tasks []GraphTask `json:"tasks"`
}

// TaskGraph is the analyzer's output: the full dependency-ordered
// decomposition of a specification.
type TaskGraph struct {
	ProjectName string    `json:"project_name"`
	TotalTasks  int       `json:"total_tasks"`
	Areas       []Area    `json:"areas"`
	Structure   string    `json:"structure,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task looks a task up by id across all areas.
func (g *TaskGraph) Task(id string) (*GraphTask, bool) {
	for ai := range g.Areas {
		for ti := range g.Areas[ai].Tasks {
			if g.Areas[ai].Tasks[ti].ID == id {
				return &g.Areas[ai].Tasks[ti], true
			}
		}
	}
	return nil, false
}

// AllTasks returns every task in area order.
func (g *TaskGraph) AllTasks() []GraphTask {
	var out []GraphTask
	for _, area := range g.Areas {
		out = append(out, area.Tasks...)
	}
	return out
}

// ComputeLevels derives each task's dependency level from the graph: 0 for
// roots, 1 + max of dependency levels otherwise. Model-reported levels are
// advisory only; this is the authoritative computation. Fails on cycles and
// dangling dependencies.
func (g *TaskGraph) ComputeLevels() error {
	byID := make(map[string]*GraphTask)
	for ai := range g.Areas {
		for ti := range g.Areas[ai].Tasks {
			task := &g.Areas[ai].Tasks[ti]
			if _, dup := byID[task.ID]; dup {
				return fmt.Errorf("duplicate task id %s", task.ID)
			}
			byID[task.ID] = task
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		task, ok := byID[id]
		if !ok {
			return 0, fmt.Errorf("dangling dependency %s", id)
		}
		switch color[id] {
		case gray:
			return 0, fmt.Errorf("dependency cycle through %s", id)
		case black:
			return task.Level, nil
		}
		color[id] = gray
		level := 0
		for _, dep := range task.DependsOn {
			depLevel, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if depLevel+1 > level {
				level = depLevel + 1
			}
		}
		task.Level = level
		color[id] = black
		return level, nil
	}

	for id := range byID {
		if _, err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks structural integrity: unique ids, no dangling deps, no
// cycles, levels consistent with dependencies.
func (g *TaskGraph) Validate() error {
	byID := make(map[string]GraphTask)
	for _, task := range g.AllTasks() {
		if task.ID == "" {
			return fmt.Errorf("task with empty id in area graph")
		}
		if _, dup := byID[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		byID[task.ID] = task
	}
	if len(byID) == 0 {
		return fmt.Errorf("analysis contains no tasks")
	}

	// Level check also proves acyclicity: a level strictly greater than every
	// dependency's cannot exist on a cycle.
	for _, task := range byID {
		want := 0
		for _, dep := range task.DependsOn {
			depTask, ok := byID[dep]
			if !ok {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, dep)
			}
			if depTask.Level+1 > want {
				want = depTask.Level + 1
			}
		}
		if task.Level != want {
			return fmt.Errorf("task %s has level %d, expected %d", task.ID, task.Level, want)
		}
	}
	return nil
}

func (s *Store) analysisPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "analysis.json")
}

// SaveAnalysis persists the task graph atomically.
func (s *Store) SaveAnalysis(projectID string, g *TaskGraph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.analysisPath(projectID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write analysis: %w", err)
	}
	return nil
}

// LoadAnalysis reads the task graph. Returns nil without error when no
// analysis has been produced yet.
func (s *Store) LoadAnalysis(projectID string) (*TaskGraph, error) {
	data, err := os.ReadFile(s.analysisPath(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis: %w", err)
	}
	var g TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}
	return &g, nil
}

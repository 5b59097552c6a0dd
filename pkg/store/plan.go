package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dragonsden/den/pkg/fsutil"
)

// PlanStep is one atomic action a worker intends to take.
type PlanStep struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Plan is a worker's persisted step list for one task. Plans are versioned by
// task id; a restarted worker resumes from the first step without a
// completion marker.
type Plan struct {
	TaskID    string     `json:"task_id"`
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
}

// NextStep returns the index of the first incomplete step, or -1 when the
// plan is finished.
func (p *Plan) NextStep() int {
	for i, step := range p.Steps {
		if !step.Done {
			return i
		}
	}
	return -1
}

func (s *Store) planPath(projectID, taskID string) string {
	return filepath.Join(s.ProjectDir(projectID), "plans", taskID+".plan.json")
}

// SavePlan persists a worker plan atomically.
func (s *Store) SavePlan(projectID string, p *Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.planPath(projectID, p.TaskID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// LoadPlan reads a task's plan. Returns nil without error when no plan
// exists.
func (s *Store) LoadPlan(projectID, taskID string) (*Plan, error) {
	data, err := os.ReadFile(s.planPath(projectID, taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &p, nil
}

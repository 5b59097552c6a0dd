package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dragonsden/den/pkg/fsutil"
)

// Feature is one user-visible capability inside a specification.
type Feature struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Priority    int           `json:"priority"`
	Status      FeatureStatus `json:"status"`
	Branch      string        `json:"branch,omitempty"`
	TaskIDs     []string      `json:"task_ids,omitempty"`
}

// Specification pairs the markdown body (stored separately) with its feature
// list and approval status.
type Specification struct {
	Status   SpecStatus `json:"status"`
	Features []*Feature `json:"features"`
}

// NewFeature builds a feature in status New with a fresh id.
func NewFeature(name, description string, priority int) *Feature {
	return &Feature{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Priority:    priority,
		Status:      FeatureNew,
	}
}

// Feature finds a feature by id.
func (sp *Specification) Feature(id string) (*Feature, bool) {
	for _, f := range sp.Features {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// AdvanceFeature moves a feature forward; regressions are rejected.
func (sp *Specification) AdvanceFeature(id string, to FeatureStatus) error {
	f, ok := sp.Feature(id)
	if !ok {
		return fmt.Errorf("feature %s not found", id)
	}
	if f.Status == to {
		return nil
	}
	if !CanTransitionFeature(f.Status, to) {
		return &TransitionError{Entity: "feature", ID: id, From: string(f.Status), To: string(to)}
	}
	f.Status = to
	return nil
}

// RecomputeFeatureStatus derives each feature's status from its tasks: any
// task past Unassigned means InProgress, all Done means Completed. Completed
// never regresses regardless of what the tasks say now.
func (sp *Specification) RecomputeFeatureStatus(taskStatus func(taskID string) (TaskStatus, bool)) {
	for _, f := range sp.Features {
		if f.Status == FeatureCompleted || len(f.TaskIDs) == 0 {
			continue
		}
		allDone := true
		anyStarted := false
		for _, taskID := range f.TaskIDs {
			status, ok := taskStatus(taskID)
			if !ok {
				allDone = false
				continue
			}
			if status != TaskDone {
				allDone = false
			}
			if status != TaskUnassigned {
				anyStarted = true
			}
		}
		switch {
		case allDone:
			f.Status = FeatureCompleted
		case anyStarted && CanTransitionFeature(f.Status, FeatureInProgress):
			f.Status = FeatureInProgress
		}
	}
}

func (s *Store) specBodyPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "specification.md")
}

func (s *Store) specFeaturesPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "specification.features.json")
}

// SaveSpecificationBody writes the markdown body.
func (s *Store) SaveSpecificationBody(projectID, body string) error {
	if err := fsutil.WriteFileAtomic(s.specBodyPath(projectID), []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write specification body: %w", err)
	}
	return nil
}

// LoadSpecificationBody reads the markdown body; missing file is an empty
// body.
func (s *Store) LoadSpecificationBody(projectID string) (string, error) {
	data, err := os.ReadFile(s.specBodyPath(projectID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read specification body: %w", err)
	}
	return string(data), nil
}

// SaveSpecification persists the feature list and approval status.
func (s *Store) SaveSpecification(projectID string, sp *Specification) error {
	data, err := json.MarshalIndent(sp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode specification: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.specFeaturesPath(projectID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write specification: %w", err)
	}
	return nil
}

// LoadSpecification reads the feature list; a missing file yields an empty
// Prototype specification.
func (s *Store) LoadSpecification(projectID string) (*Specification, error) {
	data, err := os.ReadFile(s.specFeaturesPath(projectID))
	if os.IsNotExist(err) {
		return &Specification{Status: SpecPrototype}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read specification: %w", err)
	}
	var sp Specification
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("failed to parse specification: %w", err)
	}
	return &sp, nil
}

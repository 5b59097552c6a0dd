// Package store persists all orchestration state under a single root
// directory: the project registry, per-project specifications, analysis
// snapshots, per-area task trackers, and worker plans. All writes go through
// temp-file-plus-rename so a crash never leaves a half-written file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dragonsden/den/pkg/fsutil"
	"github.com/dragonsden/den/pkg/logger"
)

// AgentConfig is the per-project agent configuration snapshot taken at
// project creation.
type AgentConfig struct {
	Provider         string `json:"provider"`
	Model            string `json:"model,omitempty"`
	ParallelWorkers  int    `json:"parallel_workers"`
	WorkerMaxRetries int    `json:"worker_max_retries"`
	WorkerStuckSecs  int    `json:"worker_stuck_secs"`
	PlanningEnabled  bool   `json:"planning_enabled"`
	Interactive      bool   `json:"interactive"`
}

// Project is one registry entry. Cancelled projects stay in the registry for
// audit; nothing is ever deleted.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Workspace    string        `json:"workspace"`
	Status       ProjectStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ApprovedAt   time.Time     `json:"approved_at,omitempty"`
	AnalyzedAt   time.Time     `json:"analyzed_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Agent        AgentConfig   `json:"agent"`
	AllowedPaths []string      `json:"allowed_paths,omitempty"`
	Verified     bool          `json:"verified,omitempty"`
}

// Journal receives state transitions for the audit trail. Implementations
// must never block; recording failures are the journal's problem.
type Journal interface {
	Record(entity, entityID, from, to, actor, detail string)
}

type registryFile struct {
	Projects []*Project `json:"projects"`
}

// Store is the on-disk state root. Safe for concurrent use.
type Store struct {
	root    string
	journal Journal

	mu       sync.Mutex
	projects map[string]*Project

	trackerMu sync.Mutex
	trackers  map[string]*sync.Mutex
}

// Open loads the project registry from root, creating the directory if
// needed.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	s := &Store{
		root:     root,
		projects: make(map[string]*Project),
		trackers: make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(s.registryPath())
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project registry: %w", err)
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse project registry: %w", err)
	}
	for _, p := range reg.Projects {
		s.projects[p.ID] = p
	}
	logger.InfoCF("store", "registry loaded", map[string]any{
		"root":     root,
		"projects": len(reg.Projects),
	})
	return s, nil
}

// SetJournal attaches the audit journal. Called once at startup.
func (s *Store) SetJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

func (s *Store) Root() string { return s.root }

func (s *Store) registryPath() string { return filepath.Join(s.root, "projects.json") }

// ProjectDir returns the per-project state directory.
func (s *Store) ProjectDir(projectID string) string { return filepath.Join(s.root, projectID) }

// WorkspaceDir is where generated artefacts go.
func (s *Store) WorkspaceDir(projectID string) string {
	return filepath.Join(s.root, projectID, "workspace")
}

// CreateProject registers a new project in Prototype. Names are unique
// case-insensitively.
func (s *Store) CreateProject(name string, agent AgentConfig) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if strings.EqualFold(p.Name, name) {
			return nil, fmt.Errorf("project name %q is already taken", name)
		}
	}

	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    ProjectPrototype,
		CreatedAt: now,
		UpdatedAt: now,
		Agent:     agent,
	}
	p.Workspace = s.WorkspaceDir(p.ID)

	if err := os.MkdirAll(p.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project workspace: %w", err)
	}
	s.projects[p.ID] = p
	if err := s.saveRegistryLocked(); err != nil {
		delete(s.projects, p.ID)
		return nil, err
	}
	logger.InfoCF("store", "project created", map[string]any{
		"project": p.ID,
		"name":    p.Name,
	})
	return p.clone(), nil
}

// Project returns a copy of the project with the given id.
func (s *Store) Project(id string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// ProjectByName looks a project up by its case-insensitive name.
func (s *Store) ProjectByName(name string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if strings.EqualFold(p.Name, name) {
			return p.clone(), true
		}
	}
	return nil, false
}

// Projects returns all projects ordered by creation time.
func (s *Store) Projects() []*Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ProjectsByStatus filters the registry by status, same ordering as Projects.
func (s *Store) ProjectsByStatus(statuses ...ProjectStatus) []*Project {
	var out []*Project
	for _, p := range s.Projects() {
		for _, status := range statuses {
			if p.Status == status {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// TransitionProject validates and persists a status change. The transition is
// durable before this returns. Repeating the current status is a no-op so
// restarts can replay transitions safely.
func (s *Store) TransitionProject(id string, to ProjectStatus, actor, detail string) error {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %s not found", id)
	}
	from := p.Status
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !CanTransitionProject(from, to) {
		s.mu.Unlock()
		return &TransitionError{Entity: "project", ID: id, From: string(from), To: string(to)}
	}

	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case ProjectNew:
		p.ApprovedAt = now
		p.ErrorMessage = ""
	case ProjectAnalyzed:
		p.AnalyzedAt = now
	case ProjectFailed:
		p.ErrorMessage = detail
	}
	err := s.saveRegistryLocked()
	if err != nil {
		p.Status = from
		s.mu.Unlock()
		return err
	}
	journal := s.journal
	s.mu.Unlock()

	logger.InfoCF("store", "project transition", map[string]any{
		"project": id,
		"from":    string(from),
		"to":      string(to),
		"actor":   actor,
	})
	if journal != nil {
		journal.Record("project", id, string(from), string(to), actor, detail)
	}
	return nil
}

// UpdateProject mutates a project under the registry lock and persists the
// result. The callback must not call back into the store.
func (s *Store) UpdateProject(id string, fn func(*Project) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s not found", id)
	}
	backup := p.clone()
	if err := fn(p); err != nil {
		return err
	}
	// Status changes go through TransitionProject only.
	if p.Status != backup.Status {
		p.Status = backup.Status
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.saveRegistryLocked(); err != nil {
		*p = *backup
		return err
	}
	return nil
}

// saveRegistryLocked writes projects.json atomically. Disk failures get one
// retry before they surface.
func (s *Store) saveRegistryLocked() error {
	reg := registryFile{Projects: make([]*Project, 0, len(s.projects))}
	for _, p := range s.projects {
		reg.Projects = append(reg.Projects, p)
	}
	sort.Slice(reg.Projects, func(i, j int) bool {
		if reg.Projects[i].CreatedAt.Equal(reg.Projects[j].CreatedAt) {
			return reg.Projects[i].ID < reg.Projects[j].ID
		}
		return reg.Projects[i].CreatedAt.Before(reg.Projects[j].CreatedAt)
	})

	data, err := json.MarshalIndent(&reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode project registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.registryPath(), data, 0o644); err != nil {
		logger.WarnCF("store", "registry write failed, retrying", map[string]any{"error": err.Error()})
		if err = fsutil.WriteFileAtomic(s.registryPath(), data, 0o644); err != nil {
			return fmt.Errorf("failed to write project registry: %w", err)
		}
	}
	return nil
}

func (p *Project) clone() *Project {
	c := *p
	c.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	return &c
}

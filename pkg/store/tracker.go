package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dragonsden/den/pkg/fsutil"
	"github.com/dragonsden/den/pkg/logger"
)

// TrackerTask is one execution record in a per-area tracker file.
// Timestamps are kept as the exact strings read from disk so that parsing and
// re-serialising an unmodified file is byte-identical.
type TrackerTask struct {
	ID        string
	Title     string
	DependsOn []string
	Status    TaskStatus
	Priority  int
	Level     int
	Worker    string
	Created   string
	Updated   string
	Error     string
}

// Tracker is the in-memory form of one `<area>-tasks.md` file. It is both
// human-readable documentation and the source of truth for execution.
type Tracker struct {
	Area  string
	Tasks []*TrackerTask
}

// TrackerTimestamp is the canonical timestamp format for tracker files.
func TrackerTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Task looks up a task by id.
func (t *Tracker) Task(id string) (*TrackerTask, bool) {
	for _, task := range t.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return nil, false
}

// Transition validates and applies a task status change, stamping Updated.
func (t *Tracker) Transition(id string, to TaskStatus) error {
	task, ok := t.Task(id)
	if !ok {
		return fmt.Errorf("task %s not found in tracker %s", id, t.Area)
	}
	if task.Status == to {
		return nil
	}
	if !CanTransitionTask(task.Status, to) {
		return &TransitionError{Entity: "task", ID: id, From: string(task.Status), To: string(to)}
	}
	task.Status = to
	task.Updated = TrackerTimestamp(time.Now())
	return nil
}

// MergeGraph folds a fresh analysis into the tracker. Existing ids keep their
// status and assigned worker; new ids are appended Unassigned; tasks no
// longer in the analysis stay in place.
func (t *Tracker) MergeGraph(tasks []GraphTask, now string) (added int) {
	for _, gt := range tasks {
		existing, ok := t.Task(gt.ID)
		if ok {
			existing.Title = gt.Name
			existing.DependsOn = append([]string(nil), gt.DependsOn...)
			existing.Priority = gt.Priority
			existing.Level = gt.Level
			continue
		}
		t.Tasks = append(t.Tasks, &TrackerTask{
			ID:        gt.ID,
			Title:     gt.Name,
			DependsOn: append([]string(nil), gt.DependsOn...),
			Status:    TaskUnassigned,
			Priority:  gt.Priority,
			Level:     gt.Level,
			Created:   now,
			Updated:   now,
		})
		added++
	}
	return added
}

// Render serialises the tracker. Output is deterministic: rendering the
// result of ParseTracker reproduces the input bytes.
func (t *Tracker) Render() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s tasks\n", t.Area)
	for _, task := range t.Tasks {
		b.WriteString("\n")
		b.WriteString(task.renderTitle())
		b.WriteString("\n")
		fmt.Fprintf(&b, "- status: %s\n", task.Status)
		fmt.Fprintf(&b, "- priority: %d\n", task.Priority)
		fmt.Fprintf(&b, "- level: %d\n", task.Level)
		if task.Worker != "" {
			fmt.Fprintf(&b, "- worker: %s\n", task.Worker)
		}
		fmt.Fprintf(&b, "- created: %s\n", task.Created)
		fmt.Fprintf(&b, "- updated: %s\n", task.Updated)
		if task.Error != "" {
			fmt.Fprintf(&b, "- error: %s\n", task.Error)
		}
	}
	return []byte(b.String())
}

func (task *TrackerTask) renderTitle() string {
	if len(task.DependsOn) == 0 {
		return fmt.Sprintf("[%s] %s", task.ID, task.Title)
	}
	return fmt.Sprintf("[%s] %s (depends on: %s)", task.ID, task.Title, strings.Join(task.DependsOn, ", "))
}

var (
	trackerHeaderRe = regexp.MustCompile(`^# (.+) tasks$`)
	trackerTaskRe   = regexp.MustCompile(`^\[([^\]]+)\] (.*)$`)
	trackerMetaRe   = regexp.MustCompile(`^- ([a-z]+): (.*)$`)
)

// ParseTracker reads a tracker file back into memory.
func ParseTracker(data []byte) (*Tracker, error) {
	t := &Tracker{}
	var current *TrackerTask

	for i, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if m := trackerHeaderRe.FindStringSubmatch(line); m != nil && t.Area == "" {
			t.Area = m[1]
			continue
		}
		if m := trackerTaskRe.FindStringSubmatch(line); m != nil {
			current = &TrackerTask{ID: m[1]}
			current.Title, current.DependsOn = parseTaskTitle(m[2])
			t.Tasks = append(t.Tasks, current)
			continue
		}
		if m := trackerMetaRe.FindStringSubmatch(line); m != nil && current != nil {
			key, value := m[1], m[2]
			switch key {
			case "status":
				current.Status = TaskStatus(value)
			case "priority":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad priority %q", i+1, value)
				}
				current.Priority = n
			case "level":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad level %q", i+1, value)
				}
				current.Level = n
			case "worker":
				current.Worker = value
			case "created":
				current.Created = value
			case "updated":
				current.Updated = value
			case "error":
				current.Error = value
			}
			continue
		}
	}
	if t.Area == "" {
		return nil, fmt.Errorf("tracker file has no area header")
	}
	return t, nil
}

func parseTaskTitle(s string) (title string, deps []string) {
	const marker = " (depends on: "
	if strings.HasSuffix(s, ")") {
		if idx := strings.LastIndex(s, marker); idx >= 0 {
			list := s[idx+len(marker) : len(s)-1]
			for _, dep := range strings.Split(list, ", ") {
				if dep != "" {
					deps = append(deps, dep)
				}
			}
			return s[:idx], deps
		}
	}
	return s, nil
}

// trackerLock returns the per-file mutex serialising writes to one tracker.
func (s *Store) trackerLock(path string) *sync.Mutex {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	mu, ok := s.trackers[path]
	if !ok {
		mu = &sync.Mutex{}
		s.trackers[path] = mu
	}
	return mu
}

// TrackerPath returns the on-disk location of an area's tracker file.
func (s *Store) TrackerPath(projectID, area string) string {
	return filepath.Join(s.ProjectDir(projectID), "tasks", area+"-tasks.md")
}

// Areas lists the areas that have tracker files, by filename.
func (s *Store) Areas(projectID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.ProjectDir(projectID), "tasks"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tracker files: %w", err)
	}
	var areas []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, "-tasks.md") {
			areas = append(areas, strings.TrimSuffix(name, "-tasks.md"))
		}
	}
	return areas, nil
}

// LoadTracker reads an area's tracker; a missing file yields an empty
// tracker for that area.
func (s *Store) LoadTracker(projectID, area string) (*Tracker, error) {
	data, err := os.ReadFile(s.TrackerPath(projectID, area))
	if os.IsNotExist(err) {
		return &Tracker{Area: area}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tracker: %w", err)
	}
	return ParseTracker(data)
}

// SaveTracker writes a tracker atomically under its per-file lock.
func (s *Store) SaveTracker(projectID string, t *Tracker) error {
	path := s.TrackerPath(projectID, t.Area)
	mu := s.trackerLock(path)
	mu.Lock()
	defer mu.Unlock()
	return s.writeTracker(path, t)
}

// UpdateTracker applies fn to the latest on-disk tracker and persists the
// result, all under the per-file lock. This is the only safe way to mutate a
// tracker that other goroutines may also touch.
func (s *Store) UpdateTracker(projectID, area string, fn func(*Tracker) error) error {
	path := s.TrackerPath(projectID, area)
	mu := s.trackerLock(path)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.LoadTracker(projectID, area)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	return s.writeTracker(path, t)
}

func (s *Store) writeTracker(path string, t *Tracker) error {
	data := t.Render()
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		logger.WarnCF("store", "tracker write failed, retrying", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		if err = fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write tracker: %w", err)
		}
	}
	return nil
}

// RecoverOrphanTasks demotes Working tasks whose worker is not in owned back
// to Unassigned. Supervisors call this on their first tick after a restart.
func (s *Store) RecoverOrphanTasks(projectID, area string, owned map[string]bool) (int, error) {
	demoted := 0
	err := s.UpdateTracker(projectID, area, func(t *Tracker) error {
		for _, task := range t.Tasks {
			if task.Status == TaskWorking && !owned[task.Worker] {
				task.Status = TaskUnassigned
				task.Worker = ""
				task.Updated = TrackerTimestamp(time.Now())
				demoted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if demoted > 0 {
		logger.InfoCF("store", "orphaned tasks demoted", map[string]any{
			"project": projectID,
			"area":    area,
			"count":   demoted,
		})
	}
	return demoted, nil
}

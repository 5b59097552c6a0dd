// Package kobold implements the task worker: an agent that drives exactly
// one tracker task from Assigned to Done or Failed inside the project
// workspace.
package kobold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/prompt"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

// Status is the worker lifecycle state.
type Status string

const (
	StatusUnassigned Status = "Unassigned"
	StatusAssigned   Status = "Assigned"
	StatusWorking    Status = "Working"
	StatusDone       Status = "Done"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// Active reports whether a status counts against the governor.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusWorking
}

// Options configures a worker for one task.
type Options struct {
	Project  *store.Project
	Area     string
	Task     store.GraphTask
	Provider providers.LLMProvider
	Store    *store.Store
	Journal  store.Journal
	Broker   *prompt.Broker
	Emit     tools.Emitter

	Interactive   bool
	PromptTimeout time.Duration
	MaxIterations int
	MaxTokens     int
	Temperature   float64
}

// Worker owns one task execution. Created in Assigned; Run moves it through
// Working to a terminal state exactly once.
type Worker struct {
	ID             string
	Specialization string
	ProjectID      string
	Area           string
	TaskID         string
	CreatedAt      time.Time

	opts Options

	mu             sync.Mutex
	status         Status
	lastTransition time.Time
	errMsg         string
}

// New creates a worker already bound to its task.
func New(opts Options) *Worker {
	now := time.Now().UTC()
	return &Worker{
		ID:             "kobold-" + uuid.NewString(),
		Specialization: opts.Task.Specialization,
		ProjectID:      opts.Project.ID,
		Area:           opts.Area,
		TaskID:         opts.Task.ID,
		CreatedAt:      now,
		opts:           opts,
		status:         StatusAssigned,
		lastTransition: now,
	}
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastTransition is the time of the most recent status change; the
// supervisor's stuck detection reads it.
func (w *Worker) LastTransition() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTransition
}

func (w *Worker) Error() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errMsg
}

func (w *Worker) setStatus(to Status, errMsg string) {
	w.mu.Lock()
	from := w.status
	w.status = to
	w.lastTransition = time.Now().UTC()
	w.errMsg = errMsg
	w.mu.Unlock()

	logger.InfoCF("kobold", "worker transition", map[string]any{
		"worker": w.ID,
		"task":   w.TaskID,
		"from":   string(from),
		"to":     string(to),
	})
	if w.opts.Journal != nil {
		w.opts.Journal.Record("worker", w.ID, string(from), string(to), "kobold", errMsg)
	}
}

// Run executes the task to a terminal state. The returned error is only for
// infrastructure-level reporting; the authoritative outcome is the worker and
// tracker status.
func (w *Worker) Run(ctx context.Context) error {
	ws := tools.NewWorkspace(w.opts.Project.Workspace, w.opts.Project.AllowedPaths)
	registry := buildRegistry(ws, w.opts)
	executor := agent.New(agent.Options{
		Name:          w.ID,
		Provider:      w.opts.Provider,
		Registry:      registry,
		SystemPrompt:  specializationPrompt(w.Specialization),
		Model:         w.opts.Project.Agent.Model,
		MaxTokens:     w.opts.MaxTokens,
		Temperature:   w.opts.Temperature,
		MaxIterations: w.opts.MaxIterations,
	})

	if err := w.markWorking(); err != nil {
		w.fail(fmt.Sprintf("failed to persist task start: %v", err))
		return err
	}

	var plan *store.Plan
	if w.opts.Project.Agent.PlanningEnabled {
		plan = w.preparePlan(ctx)
	}

	userMsg := taskPrompt(w.opts.Task, plan)
	if _, err := executor.RunTurn(ctx, userMsg); err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a fault. The task is left Working on disk;
			// the next supervisor start demotes it to Unassigned.
			w.setStatus(StatusCancelled, "")
			return ctx.Err()
		}
		w.fail(fmt.Sprintf("LLM failure: %v", err))
		return err
	}

	if plan != nil {
		w.completePlan(plan)
	}
	w.finish()
	return nil
}

// markWorking persists task Working with this worker as owner, then moves the
// worker itself to Working.
func (w *Worker) markWorking() error {
	err := w.opts.Store.UpdateTracker(w.ProjectID, w.Area, func(t *store.Tracker) error {
		task, ok := t.Task(w.TaskID)
		if !ok {
			return fmt.Errorf("task %s missing from tracker %s", w.TaskID, w.Area)
		}
		task.Worker = w.ID
		if task.Status == store.TaskNotInitialized {
			return t.Transition(w.TaskID, store.TaskWorking)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.setStatus(StatusWorking, "")
	return nil
}

func (w *Worker) finish() {
	err := w.opts.Store.UpdateTracker(w.ProjectID, w.Area, func(t *store.Tracker) error {
		return t.Transition(w.TaskID, store.TaskDone)
	})
	if err != nil {
		logger.ErrorCF("kobold", "failed to persist task completion", map[string]any{
			"worker": w.ID,
			"task":   w.TaskID,
			"error":  err.Error(),
		})
		w.setStatus(StatusFailed, fmt.Sprintf("task done but persist failed: %v", err))
		return
	}
	w.setStatus(StatusDone, "")
}

func (w *Worker) fail(errMsg string) {
	persistErr := w.opts.Store.UpdateTracker(w.ProjectID, w.Area, func(t *store.Tracker) error {
		task, ok := t.Task(w.TaskID)
		if !ok {
			return fmt.Errorf("task %s missing from tracker %s", w.TaskID, w.Area)
		}
		task.Error = errMsg
		return t.Transition(w.TaskID, store.TaskFailed)
	})
	if persistErr != nil {
		logger.ErrorCF("kobold", "failed to persist task failure", map[string]any{
			"worker": w.ID,
			"task":   w.TaskID,
			"error":  persistErr.Error(),
		})
	}
	w.setStatus(StatusFailed, errMsg)
}

func buildRegistry(ws *tools.Workspace, opts Options) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(ws))
	registry.Register(tools.NewWriteFileTool(ws))
	registry.Register(tools.NewEditFileTool(ws))
	registry.Register(tools.NewListDirTool(ws))
	registry.Register(tools.NewSearchFilesTool(ws))
	registry.Register(tools.NewRunCommandTool(ws))
	registry.Register(tools.NewDisplayTextTool(opts.Emit))
	registry.Register(tools.NewAskUserTool(tools.AskUserOptions{
		Broker:      opts.Broker,
		Emit:        opts.Emit,
		Timeout:     opts.PromptTimeout,
		Interactive: opts.Interactive,
	}))
	return registry
}

// Package drake implements the per-area supervisor: each tick it reloads the
// area tracker from disk, syncs worker outcomes back into it, and spawns
// workers for eligible tasks while the governor permits.
package drake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dragonsden/den/pkg/governor"
	"github.com/dragonsden/den/pkg/kobold"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/prompt"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

const (
	defaultStuckDeadline = 10 * time.Minute
	defaultMaxRetries    = 2
)

// Options is the shared wiring every supervisor of a process receives.
// Provider, StuckDeadline, MaxRetries and Interactive are process defaults;
// a project's AgentConfig overrides them per spawn.
type Options struct {
	Store    *store.Store
	Governor *governor.Governor
	Provider providers.LLMProvider
	Journal  store.Journal
	Broker   *prompt.Broker
	Emit     tools.Emitter

	// ProviderFactory resolves a project's provider override by catalogue
	// name. When nil, overrides fall back to Provider.
	ProviderFactory func(name string) (providers.LLMProvider, error)

	Interactive   bool
	PromptTimeout time.Duration
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	StuckDeadline time.Duration
	MaxRetries    int
}

type workerHandle struct {
	worker *kobold.Worker
	cancel context.CancelFunc
	taskID string
}

// Supervisor drives one (project, area) pair. At most one exists per pair;
// the pipeline driver enforces that.
type Supervisor struct {
	ProjectID string
	Area      string

	opts Options

	mu        sync.Mutex
	workers   map[string]*workerHandle
	retries   map[string]int
	resolved  map[string]providers.LLMProvider
	recovered bool
}

func New(projectID, area string, opts Options) *Supervisor {
	if opts.StuckDeadline <= 0 {
		opts.StuckDeadline = defaultStuckDeadline
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Supervisor{
		ProjectID: projectID,
		Area:      area,
		opts:      opts,
		workers:   make(map[string]*workerHandle),
		retries:   make(map[string]int),
		resolved:  make(map[string]providers.LLMProvider),
	}
}

// Workers returns the ids of currently owned workers.
func (d *Supervisor) Workers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.workers))
	for id := range d.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every owned worker and returns their governor slots.
// Used when a project leaves the driver's scan set.
func (d *Supervisor) Shutdown() {
	d.mu.Lock()
	handles := make([]*workerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		handles = append(handles, h)
	}
	d.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		d.release(h)
	}
}

// Tick runs one supervision round. A pause observed here pre-empts further
// task selection immediately; already running workers keep going.
func (d *Supervisor) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	project, ok := d.opts.Store.Project(d.ProjectID)
	if !ok {
		return fmt.Errorf("project %s not found", d.ProjectID)
	}

	d.recoverOnce()
	d.syncWorkers(project.Agent)

	if blocked(project.Status) {
		return nil
	}

	tracker, err := d.opts.Store.LoadTracker(d.ProjectID, d.Area)
	if err != nil {
		return err
	}
	statuses, err := d.projectTaskStatuses()
	if err != nil {
		return err
	}
	graph, err := d.opts.Store.LoadAnalysis(d.ProjectID)
	if err != nil {
		return err
	}

	eligible := eligibleTasks(tracker, statuses, graph)
	assigned := 0
	for _, task := range eligible {
		if ctx.Err() != nil {
			break
		}
		// Re-check the control state at every suspension point so a pause
		// arriving mid-tick stops selection.
		if current, ok := d.opts.Store.Project(d.ProjectID); !ok || blocked(current.Status) {
			break
		}
		if !d.opts.Governor.TryAcquire(d.ProjectID) {
			break
		}
		if err := d.assign(ctx, project, task); err != nil {
			d.opts.Governor.Release(d.ProjectID)
			logger.WarnCF("drake", "assignment failed", map[string]any{
				"project": d.ProjectID,
				"task":    task.ID,
				"error":   err.Error(),
			})
			continue
		}
		assigned++
	}

	if assigned > 0 && project.Status == store.ProjectAnalyzed {
		if err := d.opts.Store.TransitionProject(d.ProjectID, store.ProjectInProgress, "drake", ""); err != nil {
			return err
		}
	}
	return nil
}

// ProjectBlockedStatuses are the execution-control states that stop task
// selection.
var ProjectBlockedStatuses = [3]store.ProjectStatus{
	store.ProjectPaused, store.ProjectSuspended, store.ProjectCancelled,
}

func blocked(s store.ProjectStatus) bool {
	for _, b := range ProjectBlockedStatuses {
		if s == b {
			return true
		}
	}
	return false
}

// recoverOnce demotes orphaned Working tasks on the first tick after start.
func (d *Supervisor) recoverOnce() {
	d.mu.Lock()
	if d.recovered {
		d.mu.Unlock()
		return
	}
	d.recovered = true
	owned := make(map[string]bool, len(d.workers))
	for id := range d.workers {
		owned[id] = true
	}
	d.mu.Unlock()

	if _, err := d.opts.Store.RecoverOrphanTasks(d.ProjectID, d.Area, owned); err != nil {
		logger.WarnCF("drake", "orphan recovery failed", map[string]any{
			"project": d.ProjectID,
			"area":    d.Area,
			"error":   err.Error(),
		})
	}
}

// syncWorkers folds terminal and stuck workers back into the tracker.
// Failed tasks are retried up to the cap; beyond it they stay Failed.
// Cancelled workers only return their slot: cancellation is not a fault and
// never counts against the retry cap.
func (d *Supervisor) syncWorkers(cfg store.AgentConfig) {
	maxRetries := d.opts.MaxRetries
	if cfg.WorkerMaxRetries > 0 {
		maxRetries = cfg.WorkerMaxRetries
	}
	stuckDeadline := d.opts.StuckDeadline
	if cfg.WorkerStuckSecs > 0 {
		stuckDeadline = time.Duration(cfg.WorkerStuckSecs) * time.Second
	}

	d.mu.Lock()
	handles := make([]*workerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		switch h.worker.Status() {
		case kobold.StatusDone:
			d.release(h)
		case kobold.StatusCancelled:
			d.release(h)
		case kobold.StatusFailed:
			d.handleFailed(h, maxRetries)
		case kobold.StatusWorking, kobold.StatusAssigned:
			if time.Since(h.worker.LastTransition()) > stuckDeadline {
				d.handleStuck(h, maxRetries)
			}
		}
	}
}

func (d *Supervisor) release(h *workerHandle) {
	d.mu.Lock()
	if _, owned := d.workers[h.worker.ID]; !owned {
		d.mu.Unlock()
		return
	}
	delete(d.workers, h.worker.ID)
	d.mu.Unlock()
	h.cancel()
	d.opts.Governor.Release(d.ProjectID)
}

func (d *Supervisor) handleFailed(h *workerHandle, maxRetries int) {
	d.release(h)

	d.mu.Lock()
	d.retries[h.taskID]++
	attempts := d.retries[h.taskID]
	d.mu.Unlock()

	if attempts > maxRetries {
		logger.WarnCF("drake", "task failed terminally", map[string]any{
			"project":  d.ProjectID,
			"task":     h.taskID,
			"attempts": attempts,
		})
		return
	}

	err := d.opts.Store.UpdateTracker(d.ProjectID, d.Area, func(t *store.Tracker) error {
		task, ok := t.Task(h.taskID)
		if !ok {
			return nil
		}
		if task.Status != store.TaskFailed {
			return nil
		}
		task.Worker = ""
		return t.Transition(h.taskID, store.TaskUnassigned)
	})
	if err != nil {
		logger.WarnCF("drake", "task retry reset failed", map[string]any{
			"task":  h.taskID,
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("drake", "task requeued after failure", map[string]any{
		"project": d.ProjectID,
		"task":    h.taskID,
		"attempt": attempts,
	})
}

// handleStuck cancels a worker that has not transitioned within the deadline
// and requeues or terminally fails its task.
func (d *Supervisor) handleStuck(h *workerHandle, maxRetries int) {
	logger.WarnCF("drake", "worker stuck", map[string]any{
		"project": d.ProjectID,
		"worker":  h.worker.ID,
		"task":    h.taskID,
	})
	h.cancel()
	d.release(h)

	d.mu.Lock()
	d.retries[h.taskID]++
	attempts := d.retries[h.taskID]
	d.mu.Unlock()

	err := d.opts.Store.UpdateTracker(d.ProjectID, d.Area, func(t *store.Tracker) error {
		task, ok := t.Task(h.taskID)
		if !ok {
			return nil
		}
		if attempts > maxRetries {
			task.Error = "worker exceeded stuck deadline"
			if task.Status == store.TaskWorking || task.Status == store.TaskNotInitialized {
				return t.Transition(h.taskID, store.TaskFailed)
			}
			return nil
		}
		if task.Status == store.TaskWorking || task.Status == store.TaskNotInitialized {
			task.Worker = ""
			return t.Transition(h.taskID, store.TaskUnassigned)
		}
		return nil
	})
	if err != nil {
		logger.WarnCF("drake", "stuck task update failed", map[string]any{
			"task":  h.taskID,
			"error": err.Error(),
		})
	}
}

// providerFor resolves the project's provider override, caching instances so
// a provider's rate limiter is shared across spawns. An empty override or a
// missing factory falls back to the process-wide provider.
func (d *Supervisor) providerFor(project *store.Project) (providers.LLMProvider, error) {
	name := project.Agent.Provider
	if name == "" || d.opts.ProviderFactory == nil {
		return d.opts.Provider, nil
	}
	d.mu.Lock()
	if p, ok := d.resolved[name]; ok {
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	p, err := d.opts.ProviderFactory(name)
	if err != nil {
		return nil, fmt.Errorf("resolving provider %q: %w", name, err)
	}
	d.mu.Lock()
	d.resolved[name] = p
	d.mu.Unlock()
	return p, nil
}

// assign marks the task NotInitialized, persists, and starts the worker
// goroutine.
func (d *Supervisor) assign(ctx context.Context, project *store.Project, task store.GraphTask) error {
	provider, err := d.providerFor(project)
	if err != nil {
		return err
	}
	w := kobold.New(kobold.Options{
		Project:       project,
		Area:          d.Area,
		Task:          task,
		Provider:      provider,
		Store:         d.opts.Store,
		Journal:       d.opts.Journal,
		Broker:        d.opts.Broker,
		Emit:          d.opts.Emit,
		Interactive:   d.opts.Interactive || project.Agent.Interactive,
		PromptTimeout: d.opts.PromptTimeout,
		MaxIterations: d.opts.MaxIterations,
		MaxTokens:     d.opts.MaxTokens,
		Temperature:   d.opts.Temperature,
	})

	err = d.opts.Store.UpdateTracker(d.ProjectID, d.Area, func(t *store.Tracker) error {
		current, ok := t.Task(task.ID)
		if !ok {
			return fmt.Errorf("task %s missing from tracker", task.ID)
		}
		if current.Status != store.TaskUnassigned {
			return fmt.Errorf("task %s is no longer unassigned", task.ID)
		}
		current.Worker = w.ID
		return t.Transition(task.ID, store.TaskNotInitialized)
	})
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	h := &workerHandle{worker: w, cancel: cancel, taskID: task.ID}
	d.mu.Lock()
	d.workers[w.ID] = h
	d.mu.Unlock()

	logger.InfoCF("drake", "worker spawned", map[string]any{
		"project": d.ProjectID,
		"area":    d.Area,
		"task":    task.ID,
		"worker":  w.ID,
	})
	go func() {
		defer cancel()
		_ = w.Run(workerCtx)
	}()
	return nil
}

// projectTaskStatuses builds the cross-area status map for dependency
// checks.
func (d *Supervisor) projectTaskStatuses() (map[string]store.TaskStatus, error) {
	areas, err := d.opts.Store.Areas(d.ProjectID)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]store.TaskStatus)
	for _, area := range areas {
		tracker, err := d.opts.Store.LoadTracker(d.ProjectID, area)
		if err != nil {
			return nil, err
		}
		for _, task := range tracker.Tasks {
			statuses[task.ID] = task.Status
		}
	}
	return statuses, nil
}

// eligibleTasks selects Unassigned tasks whose dependencies are all Done,
// ordered by priority descending, level ascending, id ascending. Description
// and specialization come from the analysis when it still knows the task.
func eligibleTasks(tracker *store.Tracker, statuses map[string]store.TaskStatus, graph *store.TaskGraph) []store.GraphTask {
	var out []store.GraphTask
	for _, task := range tracker.Tasks {
		if task.Status != store.TaskUnassigned {
			continue
		}
		ready := true
		for _, dep := range task.DependsOn {
			if statuses[dep] != store.TaskDone {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		candidate := store.GraphTask{
			ID:        task.ID,
			Name:      task.Title,
			DependsOn: task.DependsOn,
			Level:     task.Level,
			Priority:  task.Priority,
		}
		if graph != nil {
			if gt, ok := graph.Task(task.ID); ok {
				candidate.Description = gt.Description
				candidate.Specialization = gt.Specialization
				candidate.FeatureID = gt.FeatureID
			}
		}
		out = append(out, candidate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

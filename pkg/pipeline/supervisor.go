package pipeline

import (
	"context"
	"time"

	"github.com/dragonsden/den/pkg/drake"
	"github.com/dragonsden/den/pkg/governor"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/store"
)

const DefaultSupervisorInterval = 30 * time.Second

// SupervisorDriver owns one drake.Supervisor per (project, area) and ticks
// them on its cadence. Projects are visited in governor round-robin order so
// no project starves the shared worker slots.
type SupervisorDriver struct {
	store    *store.Store
	governor *governor.Governor
	drakeOpt drake.Options
	cadence  Cadence

	supervisors map[string]map[string]*drake.Supervisor
}

func NewSupervisorDriver(s *store.Store, g *governor.Governor, drakeOpt drake.Options, cadence Cadence) (*SupervisorDriver, error) {
	if cadence.Interval <= 0 && cadence.Cron == "" {
		cadence.Interval = DefaultSupervisorInterval
	}
	if err := cadence.Validate(); err != nil {
		return nil, err
	}
	drakeOpt.Store = s
	drakeOpt.Governor = g
	return &SupervisorDriver{
		store:       s,
		governor:    g,
		drakeOpt:    drakeOpt,
		cadence:     cadence,
		supervisors: make(map[string]map[string]*drake.Supervisor),
	}, nil
}

// Run loops until ctx is cancelled, then shuts every supervisor down so
// worker goroutines stop promptly.
func (d *SupervisorDriver) Run(ctx context.Context) error {
	defer d.shutdownAll()
	for {
		d.Scan(ctx)
		if err := d.cadence.Wait(ctx); err != nil {
			return err
		}
	}
}

// Scan ticks every active project once. Paused and Suspended projects are
// still ticked (their supervisors sync worker outcomes but select nothing);
// Cancelled, Completed and Failed projects get their supervisors torn down.
func (d *SupervisorDriver) Scan(ctx context.Context) {
	active := make(map[string]bool)
	var ids []string
	for _, p := range d.store.ProjectsByStatus(
		store.ProjectAnalyzed, store.ProjectInProgress,
		store.ProjectPaused, store.ProjectSuspended,
	) {
		active[p.ID] = true
		ids = append(ids, p.ID)
	}

	d.reapInactive(active)

	for _, id := range d.governor.Order(ids) {
		if ctx.Err() != nil {
			return
		}
		d.tickProject(ctx, id)
	}
}

func (d *SupervisorDriver) tickProject(ctx context.Context, projectID string) {
	if project, ok := d.store.Project(projectID); ok && project.Agent.ParallelWorkers > 0 {
		d.governor.SetLimit(projectID, project.Agent.ParallelWorkers)
	}

	areas, err := d.store.Areas(projectID)
	if err != nil {
		logger.WarnCF("pipeline", "area scan failed", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
		return
	}

	byArea := d.supervisors[projectID]
	if byArea == nil {
		byArea = make(map[string]*drake.Supervisor)
		d.supervisors[projectID] = byArea
	}
	for _, area := range areas {
		sup := byArea[area]
		if sup == nil {
			sup = drake.New(projectID, area, d.drakeOpt)
			byArea[area] = sup
		}
		if err := sup.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCF("pipeline", "supervisor tick failed", map[string]any{
				"project": projectID,
				"area":    area,
				"error":   err.Error(),
			})
		}
	}

	if err := d.checkOutcome(projectID); err != nil {
		logger.WarnCF("pipeline", "outcome check failed", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
	}
}

// checkOutcome recomputes feature statuses from the trackers and settles the
// project when every feature is Completed (or, with no features, every task
// is Done). A tracker where every task has failed terminally settles the
// project as Failed.
func (d *SupervisorDriver) checkOutcome(projectID string) error {
	project, ok := d.store.Project(projectID)
	if !ok || project.Status != store.ProjectInProgress {
		return nil
	}

	statuses, err := d.taskStatuses(projectID)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return nil
	}

	allDone, allFailed := true, true
	for _, s := range statuses {
		if s != store.TaskDone {
			allDone = false
		}
		if s != store.TaskFailed {
			allFailed = false
		}
	}

	spec, err := d.store.LoadSpecification(projectID)
	if err != nil {
		return err
	}
	spec.RecomputeFeatureStatus(func(taskID string) (store.TaskStatus, bool) {
		s, ok := statuses[taskID]
		return s, ok
	})
	if err := d.store.SaveSpecification(projectID, spec); err != nil {
		return err
	}

	if allFailed {
		return d.store.TransitionProject(projectID, store.ProjectFailed, "supervisor-driver", "all tasks failed")
	}

	completed := allDone
	if len(spec.Features) > 0 {
		for _, f := range spec.Features {
			if f.Status != store.FeatureCompleted {
				completed = false
				break
			}
		}
	}
	if completed {
		logger.InfoCF("pipeline", "project completed", map[string]any{
			"project": projectID,
			"tasks":   len(statuses),
		})
		return d.store.TransitionProject(projectID, store.ProjectCompleted, "supervisor-driver", "")
	}
	return nil
}

func (d *SupervisorDriver) taskStatuses(projectID string) (map[string]store.TaskStatus, error) {
	areas, err := d.store.Areas(projectID)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]store.TaskStatus)
	for _, area := range areas {
		tracker, err := d.store.LoadTracker(projectID, area)
		if err != nil {
			return nil, err
		}
		for _, task := range tracker.Tasks {
			statuses[task.ID] = task.Status
		}
	}
	return statuses, nil
}

// reapInactive shuts down supervisors for projects that left the scan set,
// cancelling their workers.
func (d *SupervisorDriver) reapInactive(active map[string]bool) {
	for projectID, byArea := range d.supervisors {
		if active[projectID] {
			continue
		}
		for _, sup := range byArea {
			sup.Shutdown()
		}
		delete(d.supervisors, projectID)
		logger.InfoCF("pipeline", "supervisors retired", map[string]any{
			"project": projectID,
		})
	}
}

func (d *SupervisorDriver) shutdownAll() {
	for _, byArea := range d.supervisors {
		for _, sup := range byArea {
			sup.Shutdown()
		}
	}
	d.supervisors = make(map[string]map[string]*drake.Supervisor)
}

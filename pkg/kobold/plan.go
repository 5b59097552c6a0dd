package kobold

import (
	"context"
	"time"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/jsonx"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/store"
)

// preparePlan returns the plan for this task, resuming a persisted one when
// present and otherwise asking the planner for a fresh step list. Planning is
// best effort: any failure just means the worker runs without a plan.
func (w *Worker) preparePlan(ctx context.Context) *store.Plan {
	existing, err := w.opts.Store.LoadPlan(w.ProjectID, w.TaskID)
	if err != nil {
		logger.WarnCF("kobold", "plan load failed", map[string]any{
			"task":  w.TaskID,
			"error": err.Error(),
		})
	}
	if existing != nil {
		logger.InfoCF("kobold", "resuming persisted plan", map[string]any{
			"task":      w.TaskID,
			"steps":     len(existing.Steps),
			"next_step": existing.NextStep(),
		})
		return existing
	}

	planner := agent.New(agent.Options{
		Name:          w.ID + "-planner",
		Provider:      w.opts.Provider,
		SystemPrompt:  plannerSystemPrompt,
		Model:         w.opts.Project.Agent.Model,
		MaxTokens:     w.opts.MaxTokens,
		Temperature:   w.opts.Temperature,
		MaxIterations: 1,
	})
	reply, err := planner.RunTurn(ctx, taskPrompt(w.opts.Task, nil))
	if err != nil {
		logger.WarnCF("kobold", "planner call failed", map[string]any{
			"task":  w.TaskID,
			"error": err.Error(),
		})
		return nil
	}

	var steps []string
	if err := jsonx.Decode(reply, &steps); err != nil || len(steps) == 0 {
		logger.WarnCF("kobold", "planner output unusable", map[string]any{"task": w.TaskID})
		return nil
	}

	plan := &store.Plan{TaskID: w.TaskID, CreatedAt: time.Now().UTC()}
	for _, step := range steps {
		plan.Steps = append(plan.Steps, store.PlanStep{Description: step})
	}
	if err := w.opts.Store.SavePlan(w.ProjectID, plan); err != nil {
		logger.WarnCF("kobold", "plan persist failed", map[string]any{
			"task":  w.TaskID,
			"error": err.Error(),
		})
	}
	return plan
}

// completePlan marks every step done once the task has finished.
func (w *Worker) completePlan(plan *store.Plan) {
	for i := range plan.Steps {
		plan.Steps[i].Done = true
	}
	if err := w.opts.Store.SavePlan(w.ProjectID, plan); err != nil {
		logger.WarnCF("kobold", "plan completion persist failed", map[string]any{
			"task":  w.TaskID,
			"error": err.Error(),
		})
	}
}

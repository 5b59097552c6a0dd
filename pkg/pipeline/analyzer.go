// Package pipeline runs the two periodic drivers that move projects through
// the lifecycle: the analyzer driver picks up New projects and produces task
// graphs, the supervisor driver ticks per-area supervisors and detects
// completion.
package pipeline

import (
	"context"
	"time"

	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/store"
)

const DefaultAnalyzerInterval = 60 * time.Second

// Analysis is what the analyzer driver invokes per project; wyvern.Analyzer
// satisfies it.
type Analysis interface {
	Run(ctx context.Context, projectID string) error
}

// AnalyzerDriver promotes New projects through AnalyzerAssigned to Analyzed.
type AnalyzerDriver struct {
	store    *store.Store
	analyzer Analysis
	cadence  Cadence
}

func NewAnalyzerDriver(s *store.Store, analyzer Analysis, cadence Cadence) (*AnalyzerDriver, error) {
	if cadence.Interval <= 0 && cadence.Cron == "" {
		cadence.Interval = DefaultAnalyzerInterval
	}
	if err := cadence.Validate(); err != nil {
		return nil, err
	}
	return &AnalyzerDriver{store: s, analyzer: analyzer, cadence: cadence}, nil
}

// Run loops until ctx is cancelled. One scan happens immediately so a fresh
// process does not sit idle for a full interval.
func (d *AnalyzerDriver) Run(ctx context.Context) error {
	for {
		d.Scan(ctx)
		if err := d.cadence.Wait(ctx); err != nil {
			return err
		}
	}
}

// Scan analyses every New project. AnalyzerAssigned projects are picked up
// too: those are claims orphaned by a crash mid-analysis. A failure marks
// that project Failed and moves on; one project never blocks another.
func (d *AnalyzerDriver) Scan(ctx context.Context) {
	for _, project := range d.store.ProjectsByStatus(store.ProjectNew, store.ProjectAnalyzerAssigned) {
		if ctx.Err() != nil {
			return
		}
		d.analyzeOne(ctx, project.ID)
	}
}

func (d *AnalyzerDriver) analyzeOne(ctx context.Context, projectID string) {
	if err := d.store.TransitionProject(projectID, store.ProjectAnalyzerAssigned, "analyzer-driver", ""); err != nil {
		logger.WarnCF("pipeline", "could not claim project for analysis", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
		return
	}

	if err := d.analyzer.Run(ctx, projectID); err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a project fault. Leave it AnalyzerAssigned; the
			// next process start retries it.
			return
		}
		logger.ErrorCF("pipeline", "analysis failed", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
		if terr := d.store.TransitionProject(projectID, store.ProjectFailed, "analyzer-driver", err.Error()); terr != nil {
			logger.WarnCF("pipeline", "failure transition rejected", map[string]any{
				"project": projectID,
				"error":   terr.Error(),
			})
		}
		return
	}

	if err := d.store.TransitionProject(projectID, store.ProjectAnalyzed, "analyzer-driver", ""); err != nil {
		logger.WarnCF("pipeline", "analyzed transition rejected", map[string]any{
			"project": projectID,
			"error":   err.Error(),
		})
	}
}

// Package governor enforces the per-project worker cap: a supervisor may
// start a worker only while the project's active count (Assigned plus
// Working) is below its limit.
package governor

import (
	"sync"

	"github.com/dragonsden/den/pkg/logger"
)

const DefaultLimit = 3

// Governor tracks active workers per project. Check-and-increment is atomic
// so concurrent supervisors of the same project cannot overshoot the limit.
type Governor struct {
	mu           sync.Mutex
	defaultLimit int
	limits       map[string]int
	active       map[string]int
	cursor       int
}

func New(defaultLimit int) *Governor {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Governor{
		defaultLimit: defaultLimit,
		limits:       make(map[string]int),
		active:       make(map[string]int),
	}
}

// SetLimit overrides the worker cap for one project. Zero or negative resets
// to the default.
func (g *Governor) SetLimit(projectID string, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit <= 0 {
		delete(g.limits, projectID)
		return
	}
	g.limits[projectID] = limit
}

// Limit returns the effective cap for a project.
func (g *Governor) Limit(projectID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitLocked(projectID)
}

func (g *Governor) limitLocked(projectID string) int {
	if limit, ok := g.limits[projectID]; ok {
		return limit
	}
	return g.defaultLimit
}

// Active returns the current active worker count for a project.
func (g *Governor) Active(projectID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[projectID]
}

// TryAcquire reserves one worker slot. Returns false when the project is at
// its limit.
func (g *Governor) TryAcquire(projectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[projectID] >= g.limitLocked(projectID) {
		return false
	}
	g.active[projectID]++
	return true
}

// Release returns a worker slot after the worker reaches Done or Failed.
func (g *Governor) Release(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[projectID] <= 0 {
		logger.WarnCF("governor", "release without acquire", map[string]any{"project": projectID})
		return
	}
	g.active[projectID]--
	if g.active[projectID] == 0 {
		delete(g.active, projectID)
	}
}

// Order rotates the visiting order across ticks so no project monopolises
// the worker-creation budget.
func (g *Governor) Order(projects []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(projects) == 0 {
		return nil
	}
	start := g.cursor % len(projects)
	g.cursor++
	out := make([]string, 0, len(projects))
	out = append(out, projects[start:]...)
	out = append(out, projects[:start]...)
	return out
}

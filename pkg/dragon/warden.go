package dragon

import "github.com/dragonsden/den/pkg/store"

// Warden applies user-initiated execution control. It is a thin layer over
// the store's transition validation so every control action is journalled
// with the warden as actor.
type Warden struct {
	store *store.Store
}

func NewWarden(s *store.Store) *Warden {
	return &Warden{store: s}
}

// Pause stops new task selection for an InProgress project. Running workers
// finish their current task.
func (w *Warden) Pause(projectID string) error {
	return w.store.TransitionProject(projectID, store.ProjectPaused, "warden", "")
}

// Resume returns a Paused or Suspended project to InProgress.
func (w *Warden) Resume(projectID string) error {
	return w.store.TransitionProject(projectID, store.ProjectInProgress, "warden", "")
}

// Suspend parks an InProgress project indefinitely.
func (w *Warden) Suspend(projectID string) error {
	return w.store.TransitionProject(projectID, store.ProjectSuspended, "warden", "")
}

// Cancel is terminal: the project leaves driver scans and its workers are
// aborted at their next suspension point.
func (w *Warden) Cancel(projectID string) error {
	return w.store.TransitionProject(projectID, store.ProjectCancelled, "warden", "")
}

// Retry requeues a Failed project for analysis.
func (w *Warden) Retry(projectID string) error {
	return w.store.TransitionProject(projectID, store.ProjectNew, "warden", "")
}

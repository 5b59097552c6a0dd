package store

import "fmt"

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectPrototype        ProjectStatus = "Prototype"
	ProjectNew              ProjectStatus = "New"
	ProjectAnalyzerAssigned ProjectStatus = "AnalyzerAssigned"
	ProjectAnalyzed         ProjectStatus = "Analyzed"
	ProjectInProgress       ProjectStatus = "InProgress"
	ProjectCompleted        ProjectStatus = "Completed"
	ProjectFailed           ProjectStatus = "Failed"
	ProjectPaused           ProjectStatus = "Paused"
	ProjectSuspended        ProjectStatus = "Suspended"
	ProjectCancelled        ProjectStatus = "Cancelled"
)

var projectNext = map[ProjectStatus][]ProjectStatus{
	ProjectPrototype:        {ProjectNew},
	ProjectNew:              {ProjectAnalyzerAssigned},
	ProjectAnalyzerAssigned: {ProjectAnalyzed},
	ProjectAnalyzed:         {ProjectInProgress},
	ProjectInProgress:       {ProjectCompleted, ProjectPaused, ProjectSuspended},
	ProjectPaused:           {ProjectInProgress},
	ProjectSuspended:        {ProjectInProgress},
	ProjectFailed:           {ProjectNew},
}

// CanTransitionProject reports whether from -> to is a legal project
// transition. Failed is reachable from anywhere except the terminal
// Cancelled; Cancelled is reachable from anywhere and terminal.
func CanTransitionProject(from, to ProjectStatus) bool {
	if from == ProjectCancelled {
		return false
	}
	if to == ProjectFailed || to == ProjectCancelled {
		return true
	}
	for _, next := range projectNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the execution state of a tracker task. NotInitialized means a
// worker has been assigned but has not started its first turn.
type TaskStatus string

const (
	TaskUnassigned     TaskStatus = "Unassigned"
	TaskNotInitialized TaskStatus = "NotInitialized"
	TaskWorking        TaskStatus = "Working"
	TaskDone           TaskStatus = "Done"
	TaskFailed         TaskStatus = "Failed"
)

var taskNext = map[TaskStatus][]TaskStatus{
	TaskUnassigned:     {TaskNotInitialized},
	TaskNotInitialized: {TaskWorking, TaskFailed, TaskUnassigned},
	TaskWorking:        {TaskDone, TaskFailed, TaskUnassigned},
	TaskFailed:         {TaskUnassigned},
	TaskDone:           nil,
}

// CanTransitionTask reports whether from -> to is legal. Working -> Unassigned
// covers orphan demotion after a restart; Failed -> Unassigned is the operator
// retry path.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FeatureStatus tracks a feature through analysis and execution. Transitions
// are monotonic; Completed never regresses.
type FeatureStatus string

const (
	FeatureNew                FeatureStatus = "New"
	FeatureAssignedToAnalyzer FeatureStatus = "AssignedToAnalyzer"
	FeatureInProgress         FeatureStatus = "InProgress"
	FeatureCompleted          FeatureStatus = "Completed"
)

func featureRank(s FeatureStatus) int {
	switch s {
	case FeatureNew:
		return 0
	case FeatureAssignedToAnalyzer:
		return 1
	case FeatureInProgress:
		return 2
	case FeatureCompleted:
		return 3
	}
	return -1
}

// CanTransitionFeature permits only forward movement.
func CanTransitionFeature(from, to FeatureStatus) bool {
	return featureRank(to) > featureRank(from)
}

// SpecStatus gates the analyzer: only Approved specifications are consumed.
type SpecStatus string

const (
	SpecPrototype SpecStatus = "Prototype"
	SpecApproved  SpecStatus = "Approved"
)

// TransitionError reports an illegal state transition. It is a validation
// failure and is never retried.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

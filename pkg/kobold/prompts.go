package kobold

import (
	"fmt"
	"strings"

	"github.com/dragonsden/den/pkg/store"
)

var specializationPrompts = map[string]string{
	"backend": `You are a senior backend engineer. You implement server-side code:
APIs, business logic, data access, background jobs. Favour small, well-named
functions and explicit error handling.`,
	"frontend": `You are a senior frontend engineer. You implement user interfaces:
components, styling, client-side state. Keep markup semantic and
interactions accessible.`,
	"database": `You are a database engineer. You design schemas, write migrations
and queries, and care about indexes and data integrity.`,
	"devops": `You are a DevOps engineer. You write build scripts, CI configuration,
Dockerfiles, and deployment automation.`,
	"testing": `You are a test engineer. You write focused automated tests for
existing code and fix what they uncover.`,
}

const generalistPrompt = `You are a senior software engineer working on one task
inside a larger project.`

const workerPromptSuffix = `

Work inside the project workspace using the available tools. Read existing
files before changing them. When a command or tool fails, read the error and
adapt. When the task is complete, reply with a short summary and no further
tool calls. If a decision genuinely cannot be made from the task description,
use ask_user.`

// specializationPrompt returns the system prompt for a specialization tag,
// falling back to a generalist prompt for unknown tags.
func specializationPrompt(tag string) string {
	base, ok := specializationPrompts[strings.ToLower(tag)]
	if !ok {
		base = generalistPrompt
	}
	return base + workerPromptSuffix
}

// taskPrompt renders the user message that starts the execution turn.
func taskPrompt(task store.GraphTask, plan *store.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(task.DependsOn) > 0 {
		fmt.Fprintf(&b, "\nCompleted prerequisite tasks: %s\n", strings.Join(task.DependsOn, ", "))
	}
	if plan != nil && len(plan.Steps) > 0 {
		b.WriteString("\nPlanned steps:\n")
		for i, step := range plan.Steps {
			marker := " "
			if step.Done {
				marker = "x"
			}
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, marker, step.Description)
		}
		if next := plan.NextStep(); next >= 0 {
			fmt.Fprintf(&b, "\nSteps marked [x] are already done from a previous run; continue from step %d.\n", next+1)
		}
	}
	return b.String()
}

const plannerSystemPrompt = `You are a planning assistant. Given a programming
task, respond with a JSON array of short, atomic steps (file creations, edits,
commands), nothing else. Example:
["Create src/server.go with the HTTP handler", "Add a test for the handler"]`

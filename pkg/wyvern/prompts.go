package wyvern

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dragonsden/den/pkg/store"
)

const analyzerSystemPrompt = `You are a software project analyzer. Given a
project specification, decompose it into implementation tasks grouped by area
(for example backend, frontend, database, devops, testing).

Respond with a single JSON object and nothing else:

{
  "project_name": "...",
  "total_tasks": <number>,
  "areas": [
    {
      "name": "backend",
      "tasks": [
        {
          "id": "backend-1",
          "name": "short imperative title",
          "description": "what to build and how to verify it",
          "depends_on": ["other-task-id"],
          "level": 0,
          "specialization": "backend",
          "priority": 5,
          "feature_id": "optional feature id"
        }
      ]
    }
  ]
}

Rules: task ids are "<area>-<n>" with n starting at 1 per area. Dependencies
may cross areas but must never form a cycle. Priority runs 1 (lowest) to 10.
Every feature must be covered by at least one task.`

func analysisPrompt(projectName, body string, spec *store.Specification, hints string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\n## Specification\n\n%s\n", projectName, body)
	if len(spec.Features) > 0 {
		b.WriteString("\n## Features\n\n")
		for _, f := range spec.Features {
			fmt.Fprintf(&b, "- %s (id: %s, priority: %d)", f.Name, f.ID, f.Priority)
			if f.Description != "" {
				fmt.Fprintf(&b, ": %s", f.Description)
			}
			b.WriteString("\n")
		}
	}
	if hints != "" {
		fmt.Fprintf(&b, "\n## Hints\n\n%s\n", hints)
	}
	return b.String()
}

const structureSystemPrompt = `You are a software architect. Given a project
specification and the current workspace file listing, describe the file and
directory conventions the implementation should follow: where sources, tests,
and configuration live, and the naming scheme. Answer in a short markdown
section, no JSON.`

func structurePrompt(body, listing string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Specification\n\n%s\n", body)
	if listing != "" {
		fmt.Fprintf(&b, "\n## Existing workspace files\n\n%s\n", listing)
	} else {
		b.WriteString("\nThe workspace is currently empty.\n")
	}
	return b.String()
}

// workspaceListing returns up to 200 workspace-relative paths for the
// structure pass.
func workspaceListing(root string) string {
	var paths []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || len(paths) >= 200 {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			paths = append(paths, rel)
		}
		return nil
	})
	return strings.Join(paths, "\n")
}

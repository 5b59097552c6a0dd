package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	searchMaxMatches  = 100
	searchMaxFileSize = 1 << 20
)

// SearchFilesTool greps the workspace for a regular expression.
type SearchFilesTool struct {
	ws *Workspace
}

func NewSearchFilesTool(ws *Workspace) *SearchFilesTool {
	return &SearchFilesTool{ws: ws}
}

func (t *SearchFilesTool) Name() string {
	return "search_files"
}

func (t *SearchFilesTool) Description() string {
	return "Search workspace files for a regular expression and return matching lines"
}

func (t *SearchFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Subdirectory to search, defaults to the workspace root",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	start, _ := stringArg(args, "path")
	if start == "" {
		start = "."
	}
	root, err := t.ws.Resolve(start)
	if err != nil {
		return ErrorResult(err.Error())
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		if len(matches) >= searchMaxMatches {
			return filepath.SkipAll
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		rel, _ := filepath.Rel(root, path)
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
				if len(matches) >= searchMaxMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		if walkErr == context.Canceled || ctx.Err() != nil {
			return ErrorResult("search cancelled")
		}
		return ErrorResult(fmt.Sprintf("search failed: %v", walkErr))
	}

	if len(matches) == 0 {
		return NewToolResult("No matches found.")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= searchMaxMatches {
		out += "\n... (more matches elided)"
	}
	return NewToolResult(out)
}

package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dragonsden/den/pkg/fsutil"
)

// EditFileTool replaces an exact text fragment in a file. The old text must
// occur exactly once.
type EditFileTool struct {
	ws *Workspace
}

func NewEditFileTool(ws *Workspace) *EditFileTool {
	return &EditFileTool{ws: ws}
}

func (t *EditFileTool) Name() string {
	return "edit_file"
}

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. The old_text must exist exactly once in the file."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "The file path to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "The exact text to find and replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "The text to replace it with",
			},
		},
		"required": []string{"file_path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := stringArg(args, "file_path")
	if !ok {
		return ErrorResult("file_path is required")
	}
	oldText, ok := stringArg(args, "old_text")
	if !ok || oldText == "" {
		return ErrorResult("old_text is required")
	}
	newText, ok := stringArg(args, "new_text")
	if !ok {
		return ErrorResult("new_text is required")
	}

	resolved, err := t.ws.Resolve(path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrorResult(fmt.Sprintf("file not found: %s", path))
		}
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	text := string(content)
	switch count := strings.Count(text, oldText); count {
	case 0:
		return ErrorResult("old_text not found in file")
	case 1:
		// exactly one occurrence, proceed
	default:
		return ErrorResult(fmt.Sprintf("old_text occurs %d times; provide a larger unique fragment", count))
	}

	updated := strings.Replace(text, oldText, newText, 1)
	if err := fsutil.WriteFileAtomic(resolved, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return NewToolResult(fmt.Sprintf("File edited: %s", path))
}

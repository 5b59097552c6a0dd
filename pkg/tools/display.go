package tools

import "context"

// DisplayTextTool pushes text straight to the user without ending the turn.
type DisplayTextTool struct {
	emit Emitter
}

func NewDisplayTextTool(emit Emitter) *DisplayTextTool {
	return &DisplayTextTool{emit: emit}
}

func (t *DisplayTextTool) Name() string {
	return "display_text"
}

func (t *DisplayTextTool) Description() string {
	return "Show a progress note or explanation to the user while continuing to work"
}

func (t *DisplayTextTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The text to display",
			},
		},
		"required": []string{"text"},
	}
}

func (t *DisplayTextTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	text, ok := stringArg(args, "text")
	if !ok || text == "" {
		return ErrorResult("text is required")
	}
	if t.emit != nil {
		t.emit("display", map[string]any{"text": text})
	}
	return SilentResult("Displayed to user.")
}

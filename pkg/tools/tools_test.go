package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonsden/den/pkg/prompt"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return NewWorkspace(t.TempDir(), nil)
}

func TestWriteThenReadFile(t *testing.T) {
	ws := newTestWorkspace(t)
	write := NewWriteFileTool(ws)
	read := NewReadFileTool(ws)

	result := write.Execute(context.Background(), map[string]any{
		"file_path": "nested/dir/hello.txt",
		"content":   "hello world",
	})
	require.False(t, result.IsError, result.ForLLM)

	result = read.Execute(context.Background(), map[string]any{
		"file_path": "nested/dir/hello.txt",
	})
	require.False(t, result.IsError)
	assert.Equal(t, "hello world", result.ForLLM)
}

func TestReadFileMissing(t *testing.T) {
	ws := newTestWorkspace(t)
	read := NewReadFileTool(ws)

	result := read.Execute(context.Background(), map[string]any{
		"file_path": "nope.txt",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "not found")
}

func TestWriteFileOutsideWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	write := NewWriteFileTool(ws)

	result := write.Execute(context.Background(), map[string]any{
		"file_path": "../escape.txt",
		"content":   "nope",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "access denied")
}

func TestEditFileSingleOccurrence(t *testing.T) {
	ws := newTestWorkspace(t)
	path := filepath.Join(ws.Root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("func main() {\n\tprintln(\"old\")\n}\n"), 0o644))

	edit := NewEditFileTool(ws)
	result := edit.Execute(context.Background(), map[string]any{
		"file_path": "main.go",
		"old_text":  `println("old")`,
		"new_text":  `println("new")`,
	})
	require.False(t, result.IsError, result.ForLLM)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `println("new")`)
}

func TestEditFileAmbiguousOccurrence(t *testing.T) {
	ws := newTestWorkspace(t)
	path := filepath.Join(ws.Root, "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("aaa\naaa\n"), 0o644))

	edit := NewEditFileTool(ws)
	result := edit.Execute(context.Background(), map[string]any{
		"file_path": "dup.txt",
		"old_text":  "aaa",
		"new_text":  "bbb",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "2 times")
}

func TestEditFileNotFoundText(t *testing.T) {
	ws := newTestWorkspace(t)
	path := filepath.Join(ws.Root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	edit := NewEditFileTool(ws)
	result := edit.Execute(context.Background(), map[string]any{
		"file_path": "f.txt",
		"old_text":  "missing",
		"new_text":  "x",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "not found")
}

func TestListDirSorted(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root, "zdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "a.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "b.txt"), nil, 0o644))

	list := NewListDirTool(ws)
	result := list.Execute(context.Background(), map[string]any{})
	require.False(t, result.IsError)
	assert.Equal(t, "a.txt\nb.txt\nzdir/", result.ForLLM)
}

func TestSearchFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "one.go"), []byte("package main\nfunc Handler() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "two.go"), []byte("package main\nvar x = 1\n"), 0o644))

	search := NewSearchFilesTool(ws)
	result := search.Execute(context.Background(), map[string]any{
		"pattern": `func \w+\(`,
	})
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, "one.go:2")
	assert.NotContains(t, result.ForLLM, "two.go")
}

func TestSearchFilesInvalidPattern(t *testing.T) {
	ws := newTestWorkspace(t)
	search := NewSearchFilesTool(ws)
	result := search.Execute(context.Background(), map[string]any{"pattern": "("})
	assert.True(t, result.IsError)
}

func TestRunCommandCapturesOutput(t *testing.T) {
	ws := newTestWorkspace(t)
	run := NewRunCommandTool(ws)

	result := run.Execute(context.Background(), map[string]any{
		"command": "echo hello && echo oops >&2",
	})
	require.False(t, result.IsError, result.ForLLM)
	assert.Contains(t, result.ForLLM, "hello")
	assert.Contains(t, result.ForLLM, "stderr:")
	assert.Contains(t, result.ForLLM, "oops")
}

func TestRunCommandDeniedByPolicy(t *testing.T) {
	ws := newTestWorkspace(t)
	run := NewRunCommandTool(ws)

	for _, command := range []string{
		"rm -rf /",
		"sudo apt install x",
		"git push origin main",
	} {
		result := run.Execute(context.Background(), map[string]any{"command": command})
		assert.True(t, result.IsError, command)
		assert.Contains(t, result.ForLLM, "rejected by policy")
	}
}

func TestRunCommandTimeout(t *testing.T) {
	ws := newTestWorkspace(t)
	run := NewRunCommandTool(ws)

	start := time.Now()
	result := run.Execute(context.Background(), map[string]any{
		"command":         "sleep 30",
		"timeout_seconds": float64(1),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	ws := newTestWorkspace(t)
	run := NewRunCommandTool(ws)

	result := run.Execute(context.Background(), map[string]any{
		"command": "echo before && exit 3",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "before")
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	result := reg.Execute(context.Background(), "does_not_exist", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "not found")
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	ws := newTestWorkspace(t)
	reg := NewRegistry()
	reg.Register(NewWriteFileTool(ws))
	reg.Register(NewReadFileTool(ws))
	reg.Register(NewListDirTool(ws))

	defs := reg.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{"list_dir", "read_file", "write_file"}, names)
}

func TestAskUserFulfilled(t *testing.T) {
	broker := prompt.NewBroker()

	var mu sync.Mutex
	var promptID string
	tool := NewAskUserTool(AskUserOptions{
		Broker:      broker,
		Interactive: true,
		Timeout:     5 * time.Second,
		Emit: func(messageType string, payload map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			if messageType == "prompt" {
				promptID = payload["prompt_id"].(string)
			}
		},
	})

	done := make(chan *ToolResult, 1)
	go func() {
		done <- tool.Execute(context.Background(), map[string]any{
			"question": "Which database?",
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return promptID != ""
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	id := promptID
	mu.Unlock()
	assert.True(t, broker.Fulfill(id, "postgres"))

	result := <-done
	require.False(t, result.IsError)
	assert.Equal(t, "postgres", result.ForLLM)
}

func TestAskUserTimeout(t *testing.T) {
	broker := prompt.NewBroker()
	tool := NewAskUserTool(AskUserOptions{
		Broker:      broker,
		Interactive: true,
		Timeout:     50 * time.Millisecond,
		Emit:        func(string, map[string]any) {},
	})

	result := tool.Execute(context.Background(), map[string]any{
		"question": "anyone there?",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "timed out")
	assert.Equal(t, 0, broker.Len())
}

func TestAskUserNonInteractiveDefault(t *testing.T) {
	tool := NewAskUserTool(AskUserOptions{
		Interactive:     false,
		DefaultResponse: "use the defaults",
	})
	result := tool.Execute(context.Background(), map[string]any{
		"question": "preferences?",
	})
	require.False(t, result.IsError)
	assert.Equal(t, "use the defaults", result.ForLLM)
}

func TestDisplayTextEmits(t *testing.T) {
	var got map[string]any
	tool := NewDisplayTextTool(func(messageType string, payload map[string]any) {
		if messageType == "display" {
			got = payload
		}
	})

	result := tool.Execute(context.Background(), map[string]any{"text": "working on it"})
	require.False(t, result.IsError)
	assert.True(t, result.Silent)
	require.NotNil(t, got)
	assert.Equal(t, "working on it", got["text"])
}

func TestReadFileTruncatesLargeFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	big := strings.Repeat("x", maxReadBytes+10)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "big.txt"), []byte(big), 0o644))

	read := NewReadFileTool(ws)
	result := read.Execute(context.Background(), map[string]any{"file_path": "big.txt"})
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, "truncated")
	assert.Less(t, len(result.ForLLM), len(big))
}

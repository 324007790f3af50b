package tool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// NewBuiltinRegistry returns an in-process registry preloaded with every
// tool the built-in-developer and built-in-filesystem server kinds expose.
func NewBuiltinRegistry() *domaintool.InMemoryRegistry {
	reg := domaintool.NewInMemoryRegistry()
	for _, t := range []domaintool.Tool{
		&readFileTool{}, &writeFileTool{}, &editFileTool{}, &listDirTool{},
		&bashTool{}, &searchTool{},
	} {
		_ = reg.Register(t)
	}
	return reg
}

type readFileTool struct{}

func (readFileTool) Name() string        { return "read_file" }
func (readFileTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (readFileTool) Description() string { return "Read the contents of a file at the given path." }
func (readFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path to the file."},
		},
		"required": []string{"path"},
	}
}

func (readFileTool) Execute(_ context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return &domaintool.Result{Success: false, Error: "path is required"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: string(data), Success: true}, nil
}

type writeFileTool struct{}

func (writeFileTool) Name() string        { return "write_file" }
func (writeFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }
func (writeFileTool) Description() string { return "Write (overwrite) a file with the given content." }
func (writeFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (writeFileTool) Execute(_ context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return &domaintool.Result{Success: false, Error: "path is required"}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path), Success: true}, nil
}

type editFileTool struct{}

func (editFileTool) Name() string        { return "edit_file" }
func (editFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }
func (editFileTool) Description() string {
	return "Replace the first occurrence of old_text with new_text in a file."
}
func (editFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string"},
			"old_text": map[string]interface{}{"type": "string"},
			"new_text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (editFileTool) Execute(_ context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)

	data, err := os.ReadFile(path)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	original := string(data)
	if !strings.Contains(original, oldText) {
		return &domaintool.Result{Success: false, Error: "old_text not found in file"}, nil
	}
	updated := strings.Replace(original, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: fmt.Sprintf("edited %s", path), Success: true}, nil
}

type listDirTool struct{}

func (listDirTool) Name() string        { return "list_dir" }
func (listDirTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (listDirTool) Description() string { return "List the entries of a directory." }
func (listDirTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (listDirTool) Execute(_ context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	return &domaintool.Result{Output: b.String(), Success: true}, nil
}

type bashTool struct{}

func (bashTool) Name() string        { return "bash" }
func (bashTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (bashTool) Description() string { return "Run a shell command and return its combined output." }
func (bashTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command":           map[string]interface{}{"type": "string"},
			"timeout_seconds":   map[string]interface{}{"type": "integer"},
			"working_directory": map[string]interface{}{"type": "string"},
		},
		"required": []string{"command"},
	}
}

func (bashTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return &domaintool.Result{Success: false, Error: "command is required"}, nil
	}

	timeout := 30 * time.Second
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	if dir, ok := args["working_directory"].(string); ok && dir != "" {
		cmd.Dir = dir
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &domaintool.Result{Output: out.String(), Success: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

type searchTool struct{}

func (searchTool) Name() string        { return "search" }
func (searchTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (searchTool) Description() string {
	return "Search for a literal substring across files under a directory, returning matching lines."
}
func (searchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
			"path":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"pattern"},
	}
}

func (searchTool) Execute(_ context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	pattern, _ := args["pattern"].(string)
	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}
	if pattern == "" {
		return &domaintool.Result{Success: false, Error: "pattern is required"}, nil
	}

	var b strings.Builder
	matches := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() && matches < 200 {
			lineNo++
			if strings.Contains(scanner.Text(), pattern) {
				fmt.Fprintf(&b, "%s:%d: %s\n", path, lineNo, scanner.Text())
				matches++
			}
		}
		return nil
	})
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: b.String(), Success: true, Metadata: map[string]interface{}{"matches": matches}}, nil
}

package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writeTestFile: %v", err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readTestFile: %v", err)
	}
	return string(data)
}

func containsLine(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func TestNewBuiltinRegistry_RegistersAllTools(t *testing.T) {
	reg := NewBuiltinRegistry()
	want := []string{"read_file", "write_file", "edit_file", "list_dir", "bash", "search"}
	for _, name := range want {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("expected built-in registry to contain %q", name)
		}
	}
}

func TestReadFileTool_HappyPathAndMissingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	writeTestFile(t, path, "hello world")

	tool := readFileTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": path})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Output != "hello world" {
		t.Fatalf("unexpected result: %+v", result)
	}

	missing, err := tool.Execute(context.Background(), map[string]interface{}{"path": filepath.Join(dir, "nope.txt")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if missing.Success {
		t.Fatalf("expected failure reading a nonexistent file")
	}

	empty, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if empty.Success {
		t.Fatalf("expected failure when path is missing")
	}
}

func TestWriteFileTool_CreatesParentDirsAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	tool := writeFileTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": path, "content": "first"})
	if err != nil || !result.Success {
		t.Fatalf("Execute: result=%+v err=%v", result, err)
	}

	got := readTestFile(t, path)
	if got != "first" {
		t.Fatalf("expected %q, got %q", "first", got)
	}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"path": path, "content": "second"}); err != nil {
		t.Fatalf("Execute overwrite: %v", err)
	}
	if got := readTestFile(t, path); got != "second" {
		t.Fatalf("expected overwrite to replace content, got %q", got)
	}
}

func TestEditFileTool_ReplacesFirstOccurrenceOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edit.txt")
	writeTestFile(t, path, "foo bar foo")

	tool := editFileTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": path, "old_text": "foo", "new_text": "baz",
	})
	if err != nil || !result.Success {
		t.Fatalf("Execute: result=%+v err=%v", result, err)
	}
	if got := readTestFile(t, path); got != "baz bar foo" {
		t.Fatalf("expected only the first occurrence replaced, got %q", got)
	}
}

func TestEditFileTool_OldTextNotFoundFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edit.txt")
	writeTestFile(t, path, "nothing matches here")

	tool := editFileTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": path, "old_text": "absent", "new_text": "x",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure when old_text is not present")
	}
}

func TestListDirTool_ListsFilesAndDirsWithTrailingSlash(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "x")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tool := listDirTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": dir})
	if err != nil || !result.Success {
		t.Fatalf("Execute: result=%+v err=%v", result, err)
	}
	if !containsLine(result.Output, "a.txt") || !containsLine(result.Output, "sub/") {
		t.Fatalf("unexpected listing: %q", result.Output)
	}
}

func TestBashTool_CapturesOutputAndFailure(t *testing.T) {
	tool := bashTool{}
	ok, err := tool.Execute(context.Background(), map[string]interface{}{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ok.Success || ok.Output != "hi\n" {
		t.Fatalf("unexpected result: %+v", ok)
	}

	failed, err := tool.Execute(context.Background(), map[string]interface{}{"command": "exit 7"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if failed.Success || failed.Error == "" {
		t.Fatalf("expected a failed result with a nonzero exit, got %+v", failed)
	}
}

func TestBashTool_RequiresCommand(t *testing.T) {
	tool := bashTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure with no command")
	}
}

func TestSearchTool_FindsMatchingLines(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "one.txt"), "alpha\nneedle here\nbeta")
	writeTestFile(t, filepath.Join(dir, "two.txt"), "nothing interesting")

	tool := searchTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"pattern": "needle", "path": dir})
	if err != nil || !result.Success {
		t.Fatalf("Execute: result=%+v err=%v", result, err)
	}
	if result.Metadata["matches"] != 1 {
		t.Fatalf("expected 1 match, got %+v", result.Metadata)
	}
	if !containsLine(result.Output, "needle here") {
		t.Fatalf("expected matching line in output, got %q", result.Output)
	}
}

func TestSearchTool_RequiresPattern(t *testing.T) {
	tool := searchTool{}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": "."})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure with no pattern")
	}
}

func TestBuiltinToolKinds(t *testing.T) {
	cases := map[string]domaintool.Kind{
		"read_file":  domaintool.KindRead,
		"write_file": domaintool.KindEdit,
		"edit_file":  domaintool.KindEdit,
		"list_dir":   domaintool.KindRead,
		"bash":       domaintool.KindExecute,
		"search":     domaintool.KindSearch,
	}
	reg := NewBuiltinRegistry()
	for name, wantKind := range cases {
		tl, ok := reg.Get(name)
		if !ok {
			t.Fatalf("missing tool %q", name)
		}
		if tl.Kind() != wantKind {
			t.Fatalf("%s: expected kind %s, got %s", name, wantKind, tl.Kind())
		}
	}
}

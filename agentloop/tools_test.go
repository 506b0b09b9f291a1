package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinRegistry(t *testing.T) (*ToolRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := NewToolRegistry(NewLocalEnvironment(dir))
	require.NoError(t, RegisterBuiltinTools(reg, DefaultBuiltinToolsConfig()))
	return reg, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	reg, _ := newBuiltinRegistry(t)
	assert.Equal(t, []string{"edit_file", "glob", "grep", "list_directory", "read_file", "shell", "write_file"}, reg.Names())

	tool, ok := reg.Get("read_file")
	require.True(t, ok)
	assert.Equal(t, "object", tool.Definition.Parameters["type"])

	reg.Unregister("shell")
	_, ok = reg.Get("shell")
	assert.False(t, ok)
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	reg := NewToolRegistry(NewLocalEnvironment(t.TempDir()))
	err := reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "bad", Parameters: map[string]any{"type": 42}},
		Executor:   func(context.Context, *Arguments, ExecutionEnvironment) (string, error) { return "", nil },
	})
	assert.Error(t, err)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg, _ := newBuiltinRegistry(t)
	_, err := reg.Execute(context.Background(), "teleport", NewArguments())
	assert.EqualError(t, err, "unknown tool: teleport")
}

func TestRegistryValidatesArguments(t *testing.T) {
	reg, _ := newBuiltinRegistry(t)

	_, err := reg.Execute(context.Background(), "read_file", NewArguments())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for read_file")
	assert.Contains(t, err.Error(), "file_path")

	_, err = reg.Execute(context.Background(), "read_file", NewArguments().Set("file_path", Number(3)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for read_file")
}

func TestReadFileNumbersLines(t *testing.T) {
	reg, dir := newBuiltinRegistry(t)
	writeFile(t, filepath.Join(dir, "notes.txt"), "one\ntwo\nthree\nfour\n")

	out, err := reg.Execute(context.Background(), "read_file", NewArguments().Set("file_path", String("notes.txt")))
	require.NoError(t, err)
	assert.Equal(t, "1 | one\n2 | two\n3 | three\n4 | four\n", out)

	out, err = reg.Execute(context.Background(), "read_file", NewArguments().
		Set("file_path", String("notes.txt")).Set("offset", Number(2)).Set("limit", Number(2)))
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n3 | three\n", out)
}

func TestReadFileMissing(t *testing.T) {
	reg, _ := newBuiltinRegistry(t)
	_, err := reg.Execute(context.Background(), "read_file", NewArguments().Set("file_path", String("nope.txt")))
	assert.Error(t, err)
}

func TestWriteAndEditFile(t *testing.T) {
	reg, dir := newBuiltinRegistry(t)
	ctx := context.Background()

	out, err := reg.Execute(ctx, "write_file", NewArguments().
		Set("file_path", String("pkg/a.go")).Set("content", String("package a\n\nvar x = 1\nvar y = 1\n")))
	require.NoError(t, err)
	assert.Contains(t, out, "pkg/a.go")

	_, err = reg.Execute(ctx, "edit_file", NewArguments().
		Set("file_path", String("pkg/a.go")).Set("old_string", String("= 1")).Set("new_string", String("= 2")))
	require.Error(t, err, "ambiguous edit")
	assert.Contains(t, err.Error(), "occurs 2 times")

	_, err = reg.Execute(ctx, "edit_file", NewArguments().
		Set("file_path", String("pkg/a.go")).Set("old_string", String("var x = 1")).Set("new_string", String("var x = 2")))
	require.NoError(t, err)

	out, err = reg.Execute(ctx, "edit_file", NewArguments().
		Set("file_path", String("pkg/a.go")).Set("old_string", String("var")).Set("new_string", String("const")).
		Set("replace_all", Bool(true)))
	require.NoError(t, err)
	assert.Contains(t, out, "Replaced 2 occurrence(s)")

	data, err := os.ReadFile(filepath.Join(dir, "pkg", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n\nconst x = 2\nconst y = 1\n", string(data))

	_, err = reg.Execute(ctx, "edit_file", NewArguments().
		Set("file_path", String("pkg/a.go")).Set("old_string", String("missing")).Set("new_string", String("x")))
	assert.ErrorContains(t, err, "not found")
}

func TestListDirectory(t *testing.T) {
	reg, dir := newBuiltinRegistry(t)
	writeFile(t, filepath.Join(dir, "a.txt"), "abc")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	out, err := reg.Execute(context.Background(), "list_directory", NewArguments())
	require.NoError(t, err)
	assert.Contains(t, out, "a.txt (3 bytes)")
	assert.Contains(t, out, "sub/")
	assert.NotContains(t, out, "b.txt")

	out, err = reg.Execute(context.Background(), "list_directory", NewArguments().Set("depth", Number(2)))
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join("sub", "b.txt"))
}

func TestGlob(t *testing.T) {
	reg, dir := newBuiltinRegistry(t)
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	writeFile(t, filepath.Join(dir, "internal", "x", "x.go"), "package x")
	writeFile(t, filepath.Join(dir, "README.md"), "# readme")

	out, err := reg.Execute(context.Background(), "glob", NewArguments().Set("pattern", String("**/*.go")))
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	assert.ElementsMatch(t, []string{"main.go", filepath.Join("internal", "x", "x.go")}, lines)

	out, err = reg.Execute(context.Background(), "glob", NewArguments().Set("pattern", String("*.rs")))
	require.NoError(t, err)
	assert.Equal(t, "No files matched the pattern.", out)
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("*.go", "main.go"))
	assert.False(t, globMatch("*.go", "pkg/main.go"))
	assert.True(t, globMatch("**/*.go", "main.go"))
	assert.True(t, globMatch("**/*.go", "a/b/c.go"))
	assert.True(t, globMatch("src/**/*.ts", "src/a/b.ts"))
	assert.False(t, globMatch("src/**/*.ts", "lib/a/b.ts"))
}

func TestShellTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses bash")
	}
	reg, dir := newBuiltinRegistry(t)
	writeFile(t, filepath.Join(dir, "hello.txt"), "hi")

	out, err := reg.Execute(context.Background(), "shell", NewArguments().Set("command", String("cat hello.txt")))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = reg.Execute(context.Background(), "shell", NewArguments().Set("command", String("exit 3")))
	require.NoError(t, err)
	assert.Contains(t, out, "[Exit code: 3]")

	out, err = reg.Execute(context.Background(), "shell", NewArguments().
		Set("command", String("sleep 5")).Set("timeout_ms", Number(50)))
	require.NoError(t, err)
	assert.Contains(t, out, "timed out")
}

func TestShellHidesSecrets(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses bash")
	}
	t.Setenv("AGENTCORE_TEST_API_KEY", "sk-secret")
	t.Setenv("AGENTCORE_TEST_VISIBLE", "shown")
	reg, _ := newBuiltinRegistry(t)

	out, err := reg.Execute(context.Background(), "shell", NewArguments().
		Set("command", String("echo \"$AGENTCORE_TEST_API_KEY|$AGENTCORE_TEST_VISIBLE\"")))
	require.NoError(t, err)
	assert.Equal(t, "|shown\n", out)
}

func TestGrepTool(t *testing.T) {
	reg, dir := newBuiltinRegistry(t)
	writeFile(t, filepath.Join(dir, "a.go"), "package a\n// TODO: fix\n")
	writeFile(t, filepath.Join(dir, "b.go"), "package b\n")

	out, err := reg.Execute(context.Background(), "grep", NewArguments().Set("pattern", String("TODO")))
	require.NoError(t, err)
	assert.Contains(t, out, "a.go")
	assert.Contains(t, out, "2:")
	assert.NotContains(t, out, "b.go")

	out, err = reg.Execute(context.Background(), "grep", NewArguments().Set("pattern", String("nothing-here")))
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)
}

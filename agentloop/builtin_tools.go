package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BuiltinToolsConfig tunes the builtin tools.
type BuiltinToolsConfig struct {
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	DefaultReadLimit      int
}

// DefaultBuiltinToolsConfig returns a 10s default and 10m maximum shell
// timeout and a 2000 line read limit.
func DefaultBuiltinToolsConfig() BuiltinToolsConfig {
	return BuiltinToolsConfig{
		DefaultCommandTimeout: 10 * time.Second,
		MaxCommandTimeout:     10 * time.Minute,
		DefaultReadLimit:      2000,
	}
}

// RegisterBuiltinTools registers read_file, write_file, edit_file,
// list_directory, shell, grep and glob on reg.
func RegisterBuiltinTools(reg *ToolRegistry, cfg BuiltinToolsConfig) error {
	tools := []RegisteredTool{
		readFileTool(cfg),
		writeFileTool(),
		editFileTool(),
		listDirectoryTool(),
		shellTool(cfg),
		grepTool(),
		globTool(),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// param is one property of a tool's parameter schema.
type param struct {
	name, kind, description string
	required                bool
}

func objectSchema(params ...param) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		props[p.name] = map[string]any{"type": p.kind, "description": p.description}
		if p.required {
			required = append(required, p.name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func requireString(args *Arguments, key string) (string, error) {
	s, ok := args.GetString(key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func readFileTool(cfg BuiltinToolsConfig) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file. Returns line-numbered content.",
			Parameters: objectSchema(
				param{"file_path", "string", "Path of the file to read.", true},
				param{"offset", "integer", "1-based line to start from.", false},
				param{"limit", "integer", "Maximum number of lines to return.", false},
			),
		},
		Executor: func(_ context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			content, err := env.ReadFile(path)
			if err != nil {
				return "", err
			}
			offset, _ := args.GetInt("offset")
			limit, ok := args.GetInt("limit")
			if !ok || limit <= 0 {
				limit = cfg.DefaultReadLimit
			}
			return numberLines(content, offset, limit), nil
		},
	}
}

// numberLines formats lines [offset, offset+limit) as "N | text".
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func writeFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write a file, creating parent directories as needed.",
			Parameters: objectSchema(
				param{"file_path", "string", "Path of the file to write.", true},
				param{"content", "string", "Full file content.", true},
			),
		},
		Executor: func(_ context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			content, ok := args.GetString("content")
			if !ok {
				return "", errors.New("content is required")
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must be unique unless replace_all is true.",
			Parameters: objectSchema(
				param{"file_path", "string", "Path of the file to edit.", true},
				param{"old_string", "string", "Exact text to replace.", true},
				param{"new_string", "string", "Replacement text.", true},
				param{"replace_all", "boolean", "Replace every occurrence.", false},
			),
		},
		Executor: func(_ context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			path, err := requireString(args, "file_path")
			if err != nil {
				return "", err
			}
			oldString, err := requireString(args, "old_string")
			if err != nil {
				return "", err
			}
			newString, _ := args.GetString("new_string")
			replaceAll, _ := args.GetBool("replace_all")

			content, err := env.ReadFile(path)
			if err != nil {
				return "", err
			}
			count := strings.Count(content, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", path)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string occurs %d times in %s; add context or set replace_all", count, path)
			}

			n := 1
			if replaceAll {
				n = -1
			}
			if err := env.WriteFile(path, strings.Replace(content, oldString, newString, n)); err != nil {
				return "", err
			}
			if !replaceAll {
				count = 1
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
		},
	}
}

func listDirectoryTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "list_directory",
			Description: "List directory entries.",
			Parameters: objectSchema(
				param{"path", "string", "Directory to list. Default: working directory.", false},
				param{"depth", "integer", "Levels to descend. Default: 1.", false},
			),
		},
		Executor: func(_ context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			path, _ := args.GetString("path")
			depth, _ := args.GetInt("depth")
			entries, err := env.ListDirectory(path, depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Path)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
				}
			}
			return sb.String(), nil
		},
	}
}

func shellTool(cfg BuiltinToolsConfig) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "shell",
			Description: "Run a shell command in the working directory. Returns combined output and the exit code.",
			Parameters: objectSchema(
				param{"command", "string", "The command to run.", true},
				param{"timeout_ms", "integer", "Timeout in milliseconds.", false},
				param{"description", "string", "What the command does.", false},
			),
		},
		Executor: func(ctx context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			command, err := requireString(args, "command")
			if err != nil {
				return "", err
			}
			timeout := cfg.DefaultCommandTimeout
			if ms, ok := args.GetInt("timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if cfg.MaxCommandTimeout > 0 && timeout > cfg.MaxCommandTimeout {
				timeout = cfg.MaxCommandTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			sb.WriteString(result.Output())
			switch {
			case result.TimedOut:
				fmt.Fprintf(&sb, "\n\n[Command timed out after %s; partial output above. Retry with a larger timeout_ms.]", timeout)
			case result.ExitCode != 0:
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	}
}

func grepTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns matching lines with paths and line numbers.",
			Parameters: objectSchema(
				param{"pattern", "string", "Regular expression.", true},
				param{"path", "string", "File or directory to search. Default: working directory.", false},
				param{"glob_filter", "string", "Only search files matching this glob, e.g. \"*.go\".", false},
				param{"case_insensitive", "boolean", "Ignore case.", false},
				param{"max_results", "integer", "Maximum matches per file. Default: 100.", false},
			),
		},
		Executor: func(ctx context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.GetString("path")
			opts := GrepOptions{MaxResults: 100}
			opts.GlobFilter, _ = args.GetString("glob_filter")
			opts.CaseInsensitive, _ = args.GetBool("case_insensitive")
			if n, ok := args.GetInt("max_results"); ok && n > 0 {
				opts.MaxResults = n
			}
			out, err := env.Grep(ctx, pattern, path, opts)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	}
}

func globTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "glob",
			Description: "Find files by glob pattern, newest first.",
			Parameters: objectSchema(
				param{"pattern", "string", "Glob pattern, e.g. \"**/*.go\".", true},
				param{"path", "string", "Base directory. Default: working directory.", false},
			),
		},
		Executor: func(_ context.Context, args *Arguments, env ExecutionEnvironment) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.GetString("path")
			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

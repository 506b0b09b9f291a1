package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout followed by stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures Grep.
type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// ExecutionEnvironment is where builtin tools touch files and run commands.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	ListDirectory(path string, depth int) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvSuffixes mark environment variables withheld from commands.
var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

func commandEnvironment() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		sensitive := false
		for _, suffix := range sensitiveEnvSuffixes {
			if strings.HasSuffix(upper, suffix) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			env = append(env, kv)
		}
	}
	return env
}

// LocalEnvironment runs tools on the local machine, resolving relative paths
// against its working directory.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates a local environment rooted at workingDir, or
// the process working directory when empty.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalEnvironment) Platform() string         { return runtime.GOOS }
func (e *LocalEnvironment) OSVersion() string        { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if path == "" {
		return e.workingDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// ListDirectory walks path up to depth levels; depth 1 lists direct children.
func (e *LocalEnvironment) ListDirectory(path string, depth int) ([]DirEntry, error) {
	if depth <= 0 {
		depth = 1
	}
	root := e.resolve(path)
	var entries []DirEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		if d.IsDir() && (level >= depth || d.Name() == ".git") {
			entries = append(entries, DirEntry{Path: rel, IsDir: true})
			return filepath.SkipDir
		}
		entry := DirEntry{Path: rel, IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ExecCommand runs command through the platform shell. A command that
// outlives timeout has its process group killed and is reported TimedOut.
func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd.exe", "/c"
	}
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = e.workingDir
	cmd.Env = commandEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

// Grep searches with ripgrep when available, falling back to grep.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	target := e.resolve(path)

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.GlobFilter != "" {
			args = append(args, "--glob", opts.GlobFilter)
		}
		if opts.MaxResults > 0 {
			args = append(args, "--max-count", strconv.Itoa(opts.MaxResults))
		}
		cmd = exec.CommandContext(ctx, rg, append(args, "--", pattern, target)...)
	} else {
		args := []string{"-rn"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.GlobFilter != "" {
			args = append(args, "--include", opts.GlobFilter)
		}
		cmd = exec.CommandContext(ctx, "grep", append(args, "--", pattern, target)...)
	}
	cmd.Dir = e.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matches for both tools.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("grep: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Glob returns files under path matching pattern, newest first. Patterns
// containing "**" match at any depth.
func (e *LocalEnvironment) Glob(pattern, path string) ([]string, error) {
	root := e.resolve(path)
	if _, err := filepath.Match(strings.ReplaceAll(pattern, "**/", ""), ""); err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	type match struct {
		rel     string
		modTime time.Time
	}
	var matches []match
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if !globMatch(pattern, filepath.ToSlash(rel)) {
			return nil
		}
		m := match{rel: rel}
		if info, err := d.Info(); err == nil {
			m.modTime = info.ModTime()
		}
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.rel
	}
	return out, nil
}

// globMatch matches a slash-separated relative path against a pattern where
// "**/" stands for zero or more directories.
func globMatch(pattern, rel string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, rel)
		return ok
	}
	prefix, rest, _ := strings.Cut(pattern, "**")
	rest = strings.TrimPrefix(rest, "/")
	if prefix != "" {
		if !strings.HasPrefix(rel, prefix) {
			return false
		}
		rel = strings.TrimPrefix(rel, prefix)
	}
	parts := strings.Split(rel, "/")
	for i := range parts {
		if globMatch(rest, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

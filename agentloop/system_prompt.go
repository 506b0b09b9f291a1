package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxInstructionBytes = 32 * 1024
	instructionsCutNote = "[Project instructions truncated at 32KB]"
	instructionsSep     = "\n\n---\n\n"
)

// repoState is what the system prompt reports about the git checkout
// around a directory. The zero value means the directory is not in one.
type repoState struct {
	root    string
	branch  string
	changed int
	commits string
}

func probeRepo(dir string) repoState {
	root := git(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		return repoState{}
	}
	st := repoState{
		root:    root,
		branch:  git(root, "rev-parse", "--abbrev-ref", "HEAD"),
		commits: git(root, "log", "--oneline", "-10"),
	}
	if status := git(root, "status", "--short"); status != "" {
		st.changed = strings.Count(status, "\n") + 1
	}
	return st
}

type promptField struct{ label, value string }

// tagged renders fields as "label: value" lines inside <tag>. Empty values
// are left out; multi-line values start on their own line.
func tagged(tag string, fields ...promptField) string {
	var sb strings.Builder
	sb.WriteString("<" + tag + ">\n")
	for _, f := range fields {
		switch {
		case f.value == "":
		case strings.Contains(f.value, "\n"):
			sb.WriteString(f.label + ":\n" + f.value + "\n")
		default:
			sb.WriteString(f.label + ": " + f.value + "\n")
		}
	}
	sb.WriteString("</" + tag + ">")
	return sb.String()
}

// BuildEnvironmentContext renders the <environment> block of the system
// prompt.
func BuildEnvironmentContext(env ExecutionEnvironment, model string, now time.Time) string {
	return environmentBlock(env, model, now, probeRepo(env.WorkingDirectory()))
}

func environmentBlock(env ExecutionEnvironment, model string, now time.Time, repo repoState) string {
	return tagged("environment",
		promptField{"Working directory", env.WorkingDirectory()},
		promptField{"Is git repository", strconv.FormatBool(repo.root != "")},
		promptField{"Git branch", repo.branch},
		promptField{"Platform", env.Platform()},
		promptField{"OS version", env.OSVersion()},
		promptField{"Today's date", now.Format(time.DateOnly)},
		promptField{"Model", model},
	)
}

// GitSummary renders the branch, the number of changed files and the last
// ten commits, or "" outside a repository.
func GitSummary(workingDir string) string {
	return gitBlock(probeRepo(workingDir))
}

func gitBlock(repo repoState) string {
	if repo.root == "" {
		return ""
	}
	changed := ""
	if repo.changed > 0 {
		changed = strconv.Itoa(repo.changed)
	}
	return tagged("git_context",
		promptField{"Branch", repo.branch},
		promptField{"Modified/untracked files", changed},
		promptField{"Recent commits", repo.commits},
	)
}

// DiscoverInstructions loads the named instruction files from every directory
// between the repository root (or workingDir outside a repository) and
// workingDir, outermost first. Content past 32KB is cut.
func DiscoverInstructions(workingDir string, fileNames []string) string {
	return instructionsFrom(probeRepo(workingDir), workingDir, fileNames)
}

func instructionsFrom(repo repoState, workingDir string, fileNames []string) string {
	top := repo.root
	if top == "" {
		top = workingDir
	}

	var docs []string
	budget := maxInstructionBytes
	for _, dir := range pathHierarchy(top, workingDir) {
		for _, name := range fileNames {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if budget <= 0 {
				docs = append(docs, instructionsCutNote)
				return strings.Join(docs, instructionsSep)
			}
			text := string(content)
			if len(text) > budget {
				text = text[:budget] + "\n" + instructionsCutNote
			}
			budget -= len(content)
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(docs, instructionsSep)
}

// pathHierarchy lists root, then each directory down to target. A target
// outside root yields just root.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	dirs := []string{root}
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

// git runs a git subcommand in dir and returns its trimmed output, or "" on
// any failure.
func git(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

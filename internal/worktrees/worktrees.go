// Package worktrees resolves a run's working directory from its project
// and branch context, creating git worktrees on demand.
package worktrees

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/schema"
)

// Error is a user-visible worktree resolution failure.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// ResolveRunCwd maps a run context to a working directory: the project
// path, or the branch's worktree (created when missing). A nil or empty
// context means the process working directory.
func ResolveRunCwd(ctx context.Context, runCtx *schema.RunContext, projects map[string]appconfig.ProjectConfig) (string, error) {
	if runCtx == nil || runCtx.Project == "" {
		return "", nil
	}
	project, ok := projects[runCtx.Project]
	if !ok {
		return "", errorf("unknown project %q", runCtx.Project)
	}
	if runCtx.Branch == "" {
		return project.Path, nil
	}
	return EnsureWorktree(ctx, project, runCtx.Branch)
}

// EnsureWorktree returns the worktree directory for branch, adding it
// via `git worktree add` when it does not exist yet. New branches start
// from the local branch, the origin branch, or the project's configured
// worktree base, in that order.
func EnsureWorktree(ctx context.Context, project appconfig.ProjectConfig, branch string) (string, error) {
	if _, err := os.Stat(project.Path); err != nil {
		return "", errorf("project path not found: %s", project.Path)
	}
	branch, err := sanitizeBranch(branch)
	if err != nil {
		return "", err
	}

	root := project.ResolvedWorktreesDir()
	worktree := filepath.Join(root, filepath.FromSlash(branch))
	if err := ensureWithinRoot(root, worktree); err != nil {
		return "", err
	}

	if info, err := os.Stat(worktree); err == nil {
		if !info.IsDir() || !isGitWorktree(ctx, worktree) {
			return "", errorf("%s exists but is not a git worktree", worktree)
		}
		return worktree, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errorf("create worktrees dir: %v", err)
	}

	switch {
	case gitOK(ctx, project.Path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch):
		return worktree, gitWorktreeAdd(ctx, project.Path, worktree, branch, "", false)
	case gitOK(ctx, project.Path, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch):
		return worktree, gitWorktreeAdd(ctx, project.Path, worktree, branch, "origin/"+branch, true)
	}

	base := project.WorktreeBase
	if base == "" {
		base = resolveDefaultBase(ctx, project.Path)
	}
	if base == "" {
		return "", errorf("cannot determine base branch for new worktree")
	}
	return worktree, gitWorktreeAdd(ctx, project.Path, worktree, branch, base, true)
}

func sanitizeBranch(branch string) (string, error) {
	cleaned := strings.TrimSpace(branch)
	if cleaned == "" {
		return "", errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(cleaned, "/") {
		return "", errorf("branch name cannot start with '/'")
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return "", errorf("branch name cannot contain '..'")
		}
	}
	return cleaned, nil
}

func ensureWithinRoot(root, path string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return errorf("resolve worktrees root: %v", err)
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return errorf("resolve worktree path: %v", err)
	}
	rel, err := filepath.Rel(rootAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return errorf("branch path escapes the worktrees directory")
	}
	return nil
}

func gitWorktreeAdd(ctx context.Context, root, worktree, branch, baseRef string, createBranch bool) error {
	var args []string
	if createBranch {
		if baseRef == "" {
			return errorf("missing base ref for worktree creation")
		}
		args = []string{"worktree", "add", "-b", branch, worktree, baseRef}
	} else {
		args = []string{"worktree", "add", worktree, branch}
	}
	output, err := gitRun(ctx, root, args...)
	if err != nil {
		message := strings.TrimSpace(output)
		if message == "" {
			message = "git worktree add failed"
		}
		return &Error{Message: message}
	}
	return nil
}

func isGitWorktree(ctx context.Context, dir string) bool {
	return gitOK(ctx, dir, "rev-parse", "--is-inside-work-tree")
}

// resolveDefaultBase finds the repository's default branch from
// origin/HEAD, falling back to the current HEAD name.
func resolveDefaultBase(ctx context.Context, root string) string {
	if out, err := gitRun(ctx, root, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndexByte(ref, '/'); idx >= 0 {
			return "origin/" + ref[idx+1:]
		}
	}
	if out, err := gitRun(ctx, root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		head := strings.TrimSpace(out)
		if head != "" && head != "HEAD" {
			return head
		}
	}
	return ""
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	log := pslog.Ctx(ctx)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if log != nil {
			preview := strings.TrimSpace(string(output))
			if len(preview) > 200 {
				preview = preview[:200]
			}
			log.Warn("git run failed", "dir", dir, "args", strings.Join(args, " "), "err", err, "output", preview)
		}
		return string(output), err
	}
	return string(output), nil
}

func gitOK(ctx context.Context, dir string, args ...string) bool {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Run() == nil
}

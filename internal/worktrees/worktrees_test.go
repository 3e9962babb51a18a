package worktrees

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/schema"
)

func TestSanitizeBranch(t *testing.T) {
	if _, err := sanitizeBranch(""); err == nil {
		t.Errorf("empty branch must fail")
	}
	if _, err := sanitizeBranch("/abs"); err == nil {
		t.Errorf("absolute branch must fail")
	}
	if _, err := sanitizeBranch("a/../b"); err == nil {
		t.Errorf("traversal must fail")
	}
	if branch, err := sanitizeBranch(" feature/x "); err != nil || branch != "feature/x" {
		t.Errorf("sanitizeBranch = %q, %v", branch, err)
	}
}

func TestEnsureWithinRoot(t *testing.T) {
	if err := ensureWithinRoot("/srv/web/.worktrees", "/srv/web/.worktrees/feature"); err != nil {
		t.Errorf("in-root path rejected: %v", err)
	}
	if err := ensureWithinRoot("/srv/web/.worktrees", "/srv/other"); err == nil {
		t.Errorf("escape not rejected")
	}
}

func TestResolveRunCwdWithoutContext(t *testing.T) {
	dir, err := ResolveRunCwd(context.Background(), nil, nil)
	if err != nil || dir != "" {
		t.Fatalf("nil context should resolve to empty cwd, got %q %v", dir, err)
	}
}

func TestResolveRunCwdUnknownProject(t *testing.T) {
	_, err := ResolveRunCwd(context.Background(), &schema.RunContext{Project: "ghost"}, nil)
	if err == nil {
		t.Fatalf("unknown project must fail")
	}
}

func TestResolveRunCwdProjectPath(t *testing.T) {
	dir := t.TempDir()
	projects := map[string]appconfig.ProjectConfig{
		"web": {Alias: "web", Path: dir},
	}
	got, err := ResolveRunCwd(context.Background(), &schema.RunContext{Project: "web"}, projects)
	if err != nil || got != dir {
		t.Fatalf("ResolveRunCwd = %q, %v", got, err)
	}
}

func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "init")
	return dir
}

func TestEnsureWorktreeCreatesAndReuses(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not on PATH")
	}
	repo := initRepo(t)
	project := appconfig.ProjectConfig{
		Alias:        "web",
		Path:         repo,
		WorktreesDir: filepath.Join(t.TempDir(), "wt"),
		WorktreeBase: "main",
	}

	first, err := EnsureWorktree(context.Background(), project, "feature-x")
	if err != nil {
		t.Fatalf("EnsureWorktree: %v", err)
	}
	if filepath.Base(first) != "feature-x" {
		t.Fatalf("unexpected worktree path: %q", first)
	}

	second, err := EnsureWorktree(context.Background(), project, "feature-x")
	if err != nil || second != first {
		t.Fatalf("existing worktree not reused: %q %v", second, err)
	}
}

func TestEnsureWorktreeRejectsEscape(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not on PATH")
	}
	repo := initRepo(t)
	project := appconfig.ProjectConfig{
		Alias:        "web",
		Path:         repo,
		WorktreesDir: filepath.Join(t.TempDir(), "wt"),
	}
	if _, err := EnsureWorktree(context.Background(), project, "../outside"); err == nil {
		t.Fatalf("escape must be rejected")
	}
}

package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// run executes a git command in the repository and returns trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	return r.runDir(r.repoPath, args...)
}

// runDir executes a git command in the given directory.
func (r *ExecRunner) runDir(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	_, err := r.run(args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// RunIn executes a git command in another working directory (a worktree).
func (r *ExecRunner) RunIn(dir string, args ...string) (string, error) {
	return r.runDir(dir, args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// CreateBranch creates a new branch at the current HEAD.
func (r *ExecRunner) CreateBranch(name string) error {
	return r.runSilent("branch", name)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// RevParse resolves a ref to a commit hash.
func (r *ExecRunner) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// AheadCount returns the number of commits on branch that are not on base.
func (r *ExecRunner) AheadCount(base, branch string) (int, error) {
	out, err := r.run("rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return count, nil
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// CheckoutPath discards working-tree changes to a specific path.
func (r *ExecRunner) CheckoutPath(path string) error {
	return r.runSilent("checkout", "--", path)
}

// AddAll stages everything, including untracked files.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// ResetHard resets the current branch and working tree to the given ref.
func (r *ExecRunner) ResetHard(ref string) error {
	return r.runSilent("reset", "--hard", ref)
}

// StashIncludeUntracked stashes all modifications including untracked files.
func (r *ExecRunner) StashIncludeUntracked() error {
	return r.runSilent("stash", "--include-untracked")
}

// Merge merges the specified branch into the current branch.
func (r *ExecRunner) Merge(branch string) error {
	return r.runSilent("merge", "--no-edit", branch)
}

// MergeNoFFMessage merges with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "--no-edit", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// Pull pulls the current branch. Errors are ignored when no upstream is
// configured; local-only repositories are supported.
func (r *ExecRunner) Pull() error {
	if !r.HasUpstream("") {
		return nil
	}
	return r.runSilent("pull", "--ff-only")
}

// HasUpstream reports whether the branch (current branch when empty) has a
// remote tracking branch.
func (r *ExecRunner) HasUpstream(branch string) bool {
	ref := "@{upstream}"
	if branch != "" {
		ref = branch + "@{upstream}"
	}
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "--symbolic-full-name", ref)
	cmd.Dir = r.repoPath
	return cmd.Run() == nil
}

// Push pushes the branch to origin.
func (r *ExecRunner) Push(branch string) error {
	return r.runSilent("push", "origin", branch)
}

// WorktreeAdd creates a worktree at the given path for an existing branch.
func (r *ExecRunner) WorktreeAdd(path, branch string) error {
	return r.runSilent("worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates a worktree with a new branch from startPoint.
func (r *ExecRunner) WorktreeAddNewBranch(path, branch, startPoint string) error {
	return r.runSilent("worktree", "add", "-b", branch, path, startPoint)
}

// WorktreeRemove force-removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreeListPorcelain returns the raw porcelain output for parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePruneExpireNow prunes stale worktrees with --expire now.
func (r *ExecRunner) WorktreePruneExpireNow() error {
	return r.runSilent("worktree", "prune", "--expire", "now")
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)

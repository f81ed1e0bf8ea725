// Package workspace owns the mutable on-disk repository and one isolated
// working copy per track. Every operation that touches shared repository
// metadata runs under a single in-process FIFO mutex, and files listed in
// the preserve policy survive every operation byte-for-byte.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gantry/internal/config"
	"gantry/internal/git"
	"gantry/internal/lockfile"
)

// BranchStatus describes a feature branch relative to the base branch.
type BranchStatus struct {
	// AheadCount is the number of commits on the branch not on base.
	AheadCount int
	// Clean is true when the working tree has no uncommitted changes.
	Clean bool
}

// Manager creates and destroys per-track working copies and performs the
// merge, push, and reset operations on the shared repository.
type Manager struct {
	projectRoot string
	baseBranch  string
	cfg         config.WorktreeConfig

	git git.Runner

	// gitMutex serializes operations on shared repository metadata. It is
	// distinct from the orchestrator's verification mutex, which spans the
	// whole merge-and-verify window.
	gitMutex lockfile.FIFOMutex
}

// NewManager creates a Manager for the repository at projectRoot.
func NewManager(projectRoot, baseBranch string, cfg config.WorktreeConfig) *Manager {
	return &Manager{
		projectRoot: projectRoot,
		baseBranch:  baseBranch,
		cfg:         cfg,
		git:         git.NewRunner(projectRoot),
	}
}

// NewManagerWithRunner creates a Manager with a custom git runner (for tests).
func NewManagerWithRunner(projectRoot, baseBranch string, cfg config.WorktreeConfig, runner git.Runner) *Manager {
	m := NewManager(projectRoot, baseBranch, cfg)
	m.git = runner
	return m
}

// ProjectRoot returns the path to the main repository.
func (m *Manager) ProjectRoot() string {
	return m.projectRoot
}

// BaseBranch returns the configured base branch name.
func (m *Manager) BaseBranch() string {
	return m.baseBranch
}

// WorktreePath returns the working-copy directory for a track.
func (m *Manager) WorktreePath(track string) string {
	return filepath.Join(m.projectRoot, m.cfg.Dir, track)
}

// Init prepares the shared repository for a run: prune stale working
// copies, stash leftover modifications, ensure the base branch exists and
// is checked out, pull when a tracking branch exists. Preserved files are
// restored last.
func (m *Manager) Init() error {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	return m.withPreserved(func() error {
		if err := m.git.WorktreePruneExpireNow(); err != nil {
			log.Printf("[workspace] prune at init: %v", err)
		}

		dirty, err := m.git.HasChanges()
		if err != nil {
			return fmt.Errorf("check working tree: %w", err)
		}
		if dirty {
			if err := m.git.StashIncludeUntracked(); err != nil {
				return fmt.Errorf("stash leftover changes: %w", err)
			}
		}

		exists, err := m.git.BranchExists(m.baseBranch)
		if err != nil {
			return err
		}
		if !exists {
			if err := m.git.CreateBranch(m.baseBranch); err != nil {
				return fmt.Errorf("create base branch %s: %w", m.baseBranch, err)
			}
		}

		if err := m.git.CheckoutBranch(m.baseBranch); err != nil {
			return fmt.Errorf("checkout base branch %s: %w", m.baseBranch, err)
		}

		if err := m.git.Pull(); err != nil {
			return fmt.Errorf("pull base branch: %w", err)
		}
		return nil
	})
}

// PrepareBranch creates (or reuses) the feature branch and materializes the
// track's working copy on it. Returns the branch name and worktree path.
func (m *Manager) PrepareBranch(track string, featureID int, featureName string, isRetry bool) (string, string, error) {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	branch := BranchName(featureID, featureName)
	worktreePath := m.WorktreePath(track)

	// A previous feature's working copy may still be mounted on this track.
	if _, err := os.Stat(worktreePath); err == nil {
		if err := m.git.WorktreeRemove(worktreePath); err != nil {
			// Fall back to direct removal when git lost track of it.
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				return "", "", fmt.Errorf("remove stale worktree %s: %w", worktreePath, err)
			}
		}
	}
	_ = m.git.WorktreePruneExpireNow()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return "", "", fmt.Errorf("create worktrees dir: %w", err)
	}

	exists, err := m.git.BranchExists(branch)
	if err != nil {
		return "", "", err
	}
	if exists {
		if err := m.git.WorktreeAdd(worktreePath, branch); err != nil {
			return "", "", fmt.Errorf("add worktree on %s: %w", branch, err)
		}
	} else {
		if err := m.git.WorktreeAddNewBranch(worktreePath, branch, m.baseBranch); err != nil {
			return "", "", fmt.Errorf("create branch and worktree for %s: %w", branch, err)
		}
	}

	if err := m.postSetup(track, worktreePath); err != nil {
		return "", "", err
	}

	return branch, worktreePath, nil
}

// postSetup wires the working copy: relative symlinks for dependency
// directories, copied files, writable git metadata, and the optional
// generated setup script.
func (m *Manager) postSetup(track, worktreePath string) error {
	for _, dir := range m.cfg.SymlinkDirs {
		target := filepath.Join(m.projectRoot, dir)
		if _, err := os.Stat(target); err != nil {
			continue
		}
		linkPath := filepath.Join(worktreePath, dir)
		if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
			return fmt.Errorf("create parent for symlink %s: %w", dir, err)
		}
		_ = os.RemoveAll(linkPath)
		// Relative so the link still resolves when the working copy is
		// mounted into a container at a different absolute path.
		rel, err := filepath.Rel(filepath.Dir(linkPath), target)
		if err != nil {
			return fmt.Errorf("relativize symlink %s: %w", dir, err)
		}
		if err := os.Symlink(rel, linkPath); err != nil {
			return fmt.Errorf("symlink %s: %w", dir, err)
		}
	}

	for _, file := range m.cfg.CopyFiles {
		src := filepath.Join(m.projectRoot, file)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read copy file %s: %w", file, err)
		}
		dst := filepath.Join(worktreePath, file)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("create parent for %s: %w", file, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("copy %s: %w", file, err)
		}
	}

	// The worktree metadata dir can be left read-only or locked by a
	// crashed agent run.
	metaDir := filepath.Join(m.projectRoot, ".git", "worktrees", track)
	if info, err := os.Stat(metaDir); err == nil && info.IsDir() {
		_ = os.Chmod(metaDir, 0755)
		_ = os.Remove(filepath.Join(metaDir, "index.lock"))
	}

	if m.cfg.Docker.Enabled && m.cfg.SetupScript != "" {
		if err := m.writeSetupScript(worktreePath); err != nil {
			return err
		}
	}

	return nil
}

// CleanupWorktree removes the track's working copy and prunes.
func (m *Manager) CleanupWorktree(track string) error {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	worktreePath := m.WorktreePath(track)
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	if err := m.git.WorktreeRemove(worktreePath); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
		}
	}
	return m.git.WorktreePruneExpireNow()
}

// CommitAllIfDirty commits everything in the working copy, untracked files
// included, when the tree is dirty. Returns true when a commit was made.
func (m *Manager) CommitAllIfDirty(worktreePath, message string) (bool, error) {
	status, err := m.git.RunIn(worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status in worktree: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := m.git.RunIn(worktreePath, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git.RunIn(worktreePath, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit changes: %w", err)
	}
	return true, nil
}

// GetBranchStatus reports how the feature branch relates to base and whether
// its working copy is clean.
func (m *Manager) GetBranchStatus(branch, worktreePath string) (BranchStatus, error) {
	ahead, err := m.git.AheadCount(m.baseBranch, branch)
	if err != nil {
		return BranchStatus{}, err
	}

	status, err := m.git.RunIn(worktreePath, "status", "--porcelain")
	if err != nil {
		return BranchStatus{}, fmt.Errorf("status in worktree: %w", err)
	}

	return BranchStatus{
		AheadCount: ahead,
		Clean:      strings.TrimSpace(status) == "",
	}, nil
}

// UpdateFeatureBranch merges the latest base into the feature branch inside
// its working copy. On conflict the merge is aborted and the error raised;
// the working copy is never left mid-merge.
func (m *Manager) UpdateFeatureBranch(worktreePath string) error {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	if _, err := m.git.RunIn(worktreePath, "merge", "--no-edit", m.baseBranch); err != nil {
		if _, abortErr := m.git.RunIn(worktreePath, "merge", "--abort"); abortErr != nil {
			log.Printf("[workspace] merge abort in %s: %v", worktreePath, abortErr)
		}
		return fmt.Errorf("merge %s into feature branch: %w", m.baseBranch, err)
	}
	return nil
}

// MergeLocally merges the feature branch into base in the main repository
// and returns the pre-merge commit hash. On failure the merge is aborted,
// preserved files are restored, and the error surfaces verbatim.
func (m *Manager) MergeLocally(branch string) (string, error) {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	var preMerge string
	err := m.withPreserved(func() error {
		if err := m.git.CheckoutBranch(m.baseBranch); err != nil {
			return fmt.Errorf("checkout base: %w", err)
		}
		if err := m.git.Pull(); err != nil {
			log.Printf("[workspace] pull before merge: %v", err)
		}

		var err error
		preMerge, err = m.git.RevParse("HEAD")
		if err != nil {
			return fmt.Errorf("record pre-merge commit: %w", err)
		}

		if err := m.git.MergeNoFFMessage(branch, fmt.Sprintf("Merge %s", branch)); err != nil {
			if abortErr := m.git.MergeAbort(); abortErr != nil {
				log.Printf("[workspace] merge abort: %v", abortErr)
			}
			return fmt.Errorf("merge %s into %s: %w", branch, m.baseBranch, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return preMerge, nil
}

// PushBaseBranch pushes the base branch. A repository without a remote
// tracking branch is a local-only setup and the push is skipped.
func (m *Manager) PushBaseBranch() error {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	if !m.git.HasUpstream(m.baseBranch) {
		return nil
	}
	if err := m.git.Push(m.baseBranch); err != nil {
		return fmt.Errorf("push base branch: %w", err)
	}
	return nil
}

// RevertMerge resets the base branch to the given pre-merge commit. The
// orchestrator never calls this; it exists for collaborators that opt into
// reverting after failed verification.
func (m *Manager) RevertMerge(preMergeCommit string) error {
	m.gitMutex.Lock()
	defer m.gitMutex.Unlock()

	return m.withPreserved(func() error {
		if err := m.git.CheckoutBranch(m.baseBranch); err != nil {
			return fmt.Errorf("checkout base: %w", err)
		}
		if err := m.git.ResetHard(preMergeCommit); err != nil {
			return fmt.Errorf("reset to %s: %w", preMergeCommit, err)
		}
		return nil
	})
}

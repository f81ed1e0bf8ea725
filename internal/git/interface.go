// Package git provides an interface for git operations.
package git

// Runner abstracts git command execution so the workspace manager can be
// tested without a real repository.
type Runner interface {
	// Run executes an arbitrary git command and returns trimmed output.
	Run(args ...string) (string, error)
	// RunIn executes a git command with -C dir.
	RunIn(dir string, args ...string) (string, error)

	CurrentBranch() (string, error)
	BranchExists(name string) (bool, error)
	CreateBranch(name string) error
	CheckoutBranch(name string) error
	RevParse(ref string) (string, error)
	AheadCount(base, branch string) (int, error)

	Status() (string, error)
	HasChanges() (bool, error)
	CheckoutPath(path string) error
	AddAll() error
	Commit(message string) error
	ResetHard(ref string) error
	StashIncludeUntracked() error

	Merge(branch string) error
	MergeNoFFMessage(branch, message string) error
	MergeAbort() error

	Pull() error
	HasUpstream(branch string) bool
	Push(branch string) error

	WorktreeAdd(path, branch string) error
	WorktreeAddNewBranch(path, branch, startPoint string) error
	WorktreeRemove(path string) error
	WorktreeListPorcelain() (string, error)
	WorktreePruneExpireNow() error
}

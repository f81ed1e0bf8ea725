package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"gantry/internal/config"
)

// fakeRunner records git invocations and returns scripted results.
type fakeRunner struct {
	calls    []string
	branches map[string]bool
	dirty    bool
	status   string
	head     string
	upstream bool

	mergeErr    error
	mergeInErr  error
	commitCalls int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		branches: map[string]bool{"main": true},
		head:     "abc123",
	}
}

func (f *fakeRunner) record(args ...string) {
	f.calls = append(f.calls, strings.Join(args, " "))
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.record(args...)
	return "", nil
}

func (f *fakeRunner) RunIn(dir string, args ...string) (string, error) {
	f.record(append([]string{"-C", dir}, args...)...)
	switch args[0] {
	case "status":
		return f.status, nil
	case "merge":
		if len(args) > 1 && args[1] == "--abort" {
			return "", nil
		}
		if f.mergeInErr != nil {
			return "", f.mergeInErr
		}
	case "commit":
		f.commitCalls++
	}
	return "", nil
}

func (f *fakeRunner) CurrentBranch() (string, error) { return "main", nil }
func (f *fakeRunner) BranchExists(name string) (bool, error) {
	return f.branches[name], nil
}
func (f *fakeRunner) CreateBranch(name string) error {
	f.record("branch", name)
	f.branches[name] = true
	return nil
}
func (f *fakeRunner) CheckoutBranch(name string) error {
	f.record("checkout", name)
	return nil
}
func (f *fakeRunner) RevParse(ref string) (string, error) { return f.head, nil }
func (f *fakeRunner) AheadCount(base, branch string) (int, error) {
	f.record("rev-list", base+".."+branch)
	return 2, nil
}
func (f *fakeRunner) Status() (string, error)       { return f.status, nil }
func (f *fakeRunner) HasChanges() (bool, error)     { return f.dirty, nil }
func (f *fakeRunner) CheckoutPath(path string) error {
	f.record("checkout", "--", path)
	return nil
}
func (f *fakeRunner) AddAll() error                 { f.record("add", "-A"); return nil }
func (f *fakeRunner) Commit(message string) error   { f.record("commit"); return nil }
func (f *fakeRunner) ResetHard(ref string) error    { f.record("reset", "--hard", ref); return nil }
func (f *fakeRunner) StashIncludeUntracked() error  { f.record("stash"); return nil }
func (f *fakeRunner) Merge(branch string) error     { f.record("merge", branch); return f.mergeErr }
func (f *fakeRunner) MergeNoFFMessage(branch, message string) error {
	f.record("merge", "--no-ff", branch)
	return f.mergeErr
}
func (f *fakeRunner) MergeAbort() error { f.record("merge", "--abort"); return nil }
func (f *fakeRunner) Pull() error       { f.record("pull"); return nil }
func (f *fakeRunner) HasUpstream(branch string) bool { return f.upstream }
func (f *fakeRunner) Push(branch string) error {
	f.record("push", "origin", branch)
	return nil
}
func (f *fakeRunner) WorktreeAdd(path, branch string) error {
	f.record("worktree", "add", path, branch)
	return os.MkdirAll(path, 0755)
}
func (f *fakeRunner) WorktreeAddNewBranch(path, branch, startPoint string) error {
	f.record("worktree", "add", "-b", branch, path, startPoint)
	f.branches[branch] = true
	return os.MkdirAll(path, 0755)
}
func (f *fakeRunner) WorktreeRemove(path string) error {
	f.record("worktree", "remove", path)
	return os.RemoveAll(path)
}
func (f *fakeRunner) WorktreeListPorcelain() (string, error) { return "", nil }
func (f *fakeRunner) WorktreePruneExpireNow() error {
	f.record("worktree", "prune")
	return nil
}

func (f *fakeRunner) called(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, runner *fakeRunner, cfg config.WorktreeConfig) *Manager {
	t.Helper()
	root := t.TempDir()
	if cfg.Dir == "" {
		cfg.Dir = ".gantry/worktrees"
	}
	return NewManagerWithRunner(root, "main", cfg, runner)
}

func TestSlug(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Login Form", "login-form"},
		{"Add OAuth2 support!!", "add-oauth2-support"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"UPPER_case_name", "upper-case-name"},
		{"ünïcödé näme", "n-c-d-n-me"},
		{"", ""},
		{strings.Repeat("very-long-name-", 10), "very-long-name-very-long-name-very-long-name-very"},
	}

	shape := regexp.MustCompile(`^[a-z0-9-]{0,50}$`)
	for _, tc := range cases {
		got := Slug(tc.name)
		if got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.name, got, tc.want)
		}
		if !shape.MatchString(got) {
			t.Errorf("Slug(%q) = %q does not match shape", tc.name, got)
		}
		if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") {
			t.Errorf("Slug(%q) = %q has leading/trailing hyphen", tc.name, got)
		}
		if strings.Contains(got, "--") {
			t.Errorf("Slug(%q) = %q contains double hyphen", tc.name, got)
		}
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName(12, "Add dark mode"); got != "feature/12-add-dark-mode" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestPrepareBranchNewFeature(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	branch, path, err := m.PrepareBranch("track-a", 3, "Search Box", false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if branch != "feature/3-search-box" {
		t.Errorf("branch = %q", branch)
	}
	if path != m.WorktreePath("track-a") {
		t.Errorf("path = %q", path)
	}
	if !runner.called("worktree add -b feature/3-search-box") {
		t.Errorf("expected new-branch worktree add, calls: %v", runner.calls)
	}
}

func TestPrepareBranchExistingBranch(t *testing.T) {
	runner := newFakeRunner()
	runner.branches["feature/3-search-box"] = true
	m := newTestManager(t, runner, config.WorktreeConfig{})

	_, _, err := m.PrepareBranch("track-a", 3, "Search Box", true)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if runner.called("worktree add -b") {
		t.Error("existing branch should not be recreated")
	}
	if !runner.called("worktree add") {
		t.Error("expected a plain worktree add")
	}
}

func TestPrepareBranchSymlinksAndCopies(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{
		SymlinkDirs: []string{"node_modules"},
		CopyFiles:   []string{".env"},
	})

	if err := os.MkdirAll(filepath.Join(m.ProjectRoot(), "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.ProjectRoot(), ".env"), []byte("KEY=value"), 0644); err != nil {
		t.Fatal(err)
	}

	_, path, err := m.PrepareBranch("track-a", 1, "Feature", false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	link := filepath.Join(path, "node_modules")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("node_modules should be a symlink: %v", err)
	}
	if filepath.IsAbs(target) {
		t.Errorf("symlink target should be relative, got %q", target)
	}

	data, err := os.ReadFile(filepath.Join(path, ".env"))
	if err != nil || string(data) != "KEY=value" {
		t.Errorf(".env should be copied: %v %q", err, data)
	}
}

func TestCommitAllIfDirty(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	committed, err := m.CommitAllIfDirty("/wt", "checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Error("clean tree should not commit")
	}

	runner.status = " M file.go"
	committed, err = m.CommitAllIfDirty("/wt", "checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Error("dirty tree should commit")
	}
	if runner.commitCalls != 1 {
		t.Errorf("commit calls = %d", runner.commitCalls)
	}
}

func TestGetBranchStatus(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	st, err := m.GetBranchStatus("feature/1-x", "/wt")
	if err != nil {
		t.Fatal(err)
	}
	if st.AheadCount != 2 || !st.Clean {
		t.Errorf("status = %+v", st)
	}
}

func TestUpdateFeatureBranchConflictAborts(t *testing.T) {
	runner := newFakeRunner()
	runner.mergeInErr = fmt.Errorf("CONFLICT (content): merge conflict")
	m := newTestManager(t, runner, config.WorktreeConfig{})

	if err := m.UpdateFeatureBranch("/wt"); err == nil {
		t.Fatal("expected conflict error")
	}
	if !runner.called("merge --abort") {
		t.Errorf("merge should be aborted on conflict, calls: %v", runner.calls)
	}
}

func TestMergeLocallyReturnsPreMergeCommit(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	commit, err := m.MergeLocally("feature/1-x")
	if err != nil {
		t.Fatal(err)
	}
	if commit != "abc123" {
		t.Errorf("pre-merge commit = %q", commit)
	}
	if !runner.called("merge --no-ff feature/1-x") {
		t.Errorf("expected no-ff merge, calls: %v", runner.calls)
	}
}

func TestMergeLocallyFailureAbortsAndRestores(t *testing.T) {
	runner := newFakeRunner()
	runner.mergeErr = fmt.Errorf("CONFLICT")
	m := newTestManager(t, runner, config.WorktreeConfig{
		PreserveFiles: []string{"features.json"},
	})

	original := []byte(`[{"id":1}]`)
	featPath := filepath.Join(m.ProjectRoot(), "features.json")
	if err := os.WriteFile(featPath, original, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.MergeLocally("feature/1-x"); err == nil {
		t.Fatal("expected merge error")
	}
	if !runner.called("merge --abort") {
		t.Error("merge should be aborted")
	}

	// Preserved bytes restored even though the operation failed.
	data, err := os.ReadFile(featPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(original) {
		t.Errorf("preserved file changed: %q", data)
	}
}

func TestPreservedFilesSurviveOperations(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{
		PreserveFiles: []string{"features.json", "claude-progress.txt"},
	})

	featPath := filepath.Join(m.ProjectRoot(), "features.json")
	progPath := filepath.Join(m.ProjectRoot(), "claude-progress.txt")
	if err := os.WriteFile(featPath, []byte("features"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(progPath, []byte("progress"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	for path, want := range map[string]string{featPath: "features", progPath: "progress"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

func TestInitCreatesBaseBranchAndStashes(t *testing.T) {
	runner := newFakeRunner()
	runner.branches = map[string]bool{} // base branch absent
	runner.dirty = true
	m := newTestManager(t, runner, config.WorktreeConfig{})

	if err := m.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !runner.called("stash") {
		t.Error("leftover changes should be stashed")
	}
	if !runner.called("branch main") {
		t.Error("missing base branch should be created")
	}
	if !runner.called("checkout main") {
		t.Error("base branch should be checked out")
	}
}

func TestPushBaseBranchSkipsWithoutUpstream(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	if err := m.PushBaseBranch(); err != nil {
		t.Fatal(err)
	}
	if runner.called("push") {
		t.Error("push should be skipped without an upstream")
	}

	runner.upstream = true
	if err := m.PushBaseBranch(); err != nil {
		t.Fatal(err)
	}
	if !runner.called("push origin main") {
		t.Error("push expected with upstream configured")
	}
}

func TestRevertMergeResetsBase(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner, config.WorktreeConfig{})

	if err := m.RevertMerge("abc123"); err != nil {
		t.Fatal(err)
	}
	if !runner.called("reset --hard abc123") {
		t.Errorf("expected hard reset, calls: %v", runner.calls)
	}
}

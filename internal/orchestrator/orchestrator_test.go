package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gantry/internal/agent"
	"gantry/internal/config"
	"gantry/internal/events"
	"gantry/internal/queue"
	"gantry/internal/state"
	"gantry/internal/workspace"
	"gantry/pkg/models"
)

// fakeFeatures is an in-memory feature store.
type fakeFeatures struct {
	mu      sync.Mutex
	items   map[int]*models.Feature
	order   []int
	updates []string
}

func newFakeFeatures(feats ...models.Feature) *fakeFeatures {
	ff := &fakeFeatures{items: make(map[int]*models.Feature)}
	for i := range feats {
		f := feats[i]
		ff.items[f.ID] = &f
		ff.order = append(ff.order, f.ID)
	}
	return ff
}

func (ff *fakeFeatures) Load() ([]models.Feature, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	out := make([]models.Feature, 0, len(ff.order))
	for _, id := range ff.order {
		out = append(out, *ff.items[id])
	}
	return out, nil
}

func (ff *fakeFeatures) Get(id int) (*models.Feature, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f, ok := ff.items[id]
	if !ok {
		return nil, fmt.Errorf("feature %d not found", id)
	}
	copied := *f
	return &copied, nil
}

func (ff *fakeFeatures) UpdateStatus(id int, status models.FeatureStatus, reason string, kind models.FailureKind, progress string) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f, ok := ff.items[id]
	if !ok {
		return fmt.Errorf("feature %d not found", id)
	}
	f.Status = status
	switch status {
	case models.FeatureStatusPassed, models.FeatureStatusOpen:
		f.FailureReason = ""
		f.FailureKind = ""
	case models.FeatureStatusFailed:
		f.FailureReason = reason
		f.FailureKind = kind
	}
	if progress != "" {
		f.Progress = progress
	}
	ff.updates = append(ff.updates, fmt.Sprintf("%d:%s", id, status))
	return nil
}

func (ff *fakeFeatures) status(id int) models.FeatureStatus {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.items[id].Status
}

func (ff *fakeFeatures) feature(id int) models.Feature {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return *ff.items[id]
}

// fakeSessions records session activity in memory.
type fakeSessions struct {
	mu      sync.Mutex
	created []*models.Session
	updates map[string][]state.SessionUpdate
	latest  *models.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{updates: make(map[string][]state.SessionUpdate)}
}

func (fs *fakeSessions) CreateSession(s *models.Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	copied := *s
	fs.created = append(fs.created, &copied)
	return nil
}

func (fs *fakeSessions) UpdateSession(id string, upd state.SessionUpdate) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.updates[id] = append(fs.updates[id], upd)
	return nil
}

func (fs *fakeSessions) GetLatestSessionForFeature(featureID int) (*models.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.latest != nil && fs.latest.FeatureID == featureID {
		copied := *fs.latest
		return &copied, nil
	}
	return nil, nil
}

func (fs *fakeSessions) tracksCreated() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []string
	for _, s := range fs.created {
		out = append(out, s.Track)
	}
	return out
}

// fakeWorkspace scripts the git-facing surface.
type fakeWorkspace struct {
	mu         sync.Mutex
	aheadCount int
	prepareErr error
	mergeErr   error
	pushErr    error
	commitErr  error
	onMerge    func()
	calls      []string
}

func (fw *fakeWorkspace) record(call string) {
	fw.mu.Lock()
	fw.calls = append(fw.calls, call)
	fw.mu.Unlock()
}

func (fw *fakeWorkspace) count(prefix string) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, c := range fw.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (fw *fakeWorkspace) Init() error { fw.record("init"); return nil }

func (fw *fakeWorkspace) PrepareBranch(track string, featureID int, featureName string, isRetry bool) (string, string, error) {
	fw.record(fmt.Sprintf("prepare %s %d", track, featureID))
	if fw.prepareErr != nil {
		return "", "", fw.prepareErr
	}
	return workspace.BranchName(featureID, featureName), "/worktrees/" + track, nil
}

func (fw *fakeWorkspace) CleanupWorktree(track string) error {
	fw.record("cleanup " + track)
	return nil
}

func (fw *fakeWorkspace) CommitAllIfDirty(worktreePath, message string) (bool, error) {
	fw.record("commit")
	return fw.commitErr == nil, fw.commitErr
}

func (fw *fakeWorkspace) GetBranchStatus(branch, worktreePath string) (workspace.BranchStatus, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return workspace.BranchStatus{AheadCount: fw.aheadCount, Clean: true}, nil
}

func (fw *fakeWorkspace) UpdateFeatureBranch(worktreePath string) error {
	fw.record("refresh")
	return nil
}

func (fw *fakeWorkspace) MergeLocally(branch string) (string, error) {
	fw.record("merge " + branch)
	if fw.onMerge != nil {
		fw.onMerge()
	}
	if fw.mergeErr != nil {
		return "", fw.mergeErr
	}
	return "premerge-sha", nil
}

func (fw *fakeWorkspace) PushBaseBranch() error {
	fw.record("push")
	return fw.pushErr
}

// fakeAgent serves scripted results per entry point.
type fakeAgent struct {
	mu             sync.Mutex
	sessionResults []agent.Result
	verifyResults  []agent.Result
	fixResults     []agent.Result
	sessionCalls   int
	verifyCalls    int
	fixCalls       int
	onVerify       func()
}

func pop(queue *[]agent.Result, fallback agent.Result) agent.Result {
	if len(*queue) == 0 {
		return fallback
	}
	res := (*queue)[0]
	*queue = (*queue)[1:]
	return res
}

func (fa *fakeAgent) ExecuteSession(ctx context.Context, feature models.Feature, worktree, extraContext string, stop func() bool, onMessage func(models.AgentMessage)) agent.Result {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.sessionCalls++
	return pop(&fa.sessionResults, agent.Result{Success: true, Output: "implemented", AgentUsed: models.AgentClaude})
}

func (fa *fakeAgent) ExecuteVerification(ctx context.Context, feature models.Feature, stop func() bool, onMessage func(models.AgentMessage)) agent.Result {
	fa.mu.Lock()
	fa.verifyCalls++
	res := pop(&fa.verifyResults, agent.Result{Success: true, Output: "STEP 1: PASS - ok\nVERDICT: PASS", AgentUsed: models.AgentClaude})
	fa.mu.Unlock()
	// The hook runs unlocked so it can block without serializing callers
	// by itself.
	if fa.onVerify != nil {
		fa.onVerify()
	}
	return res
}

func (fa *fakeAgent) ExecuteFix(ctx context.Context, feature models.Feature, worktree, verificationOutput string, stop func() bool, onMessage func(models.AgentMessage)) agent.Result {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.fixCalls++
	return pop(&fa.fixResults, agent.Result{Success: true, Output: "fixed", AgentUsed: models.AgentClaude})
}

type fixture struct {
	o        *Orchestrator
	features *fakeFeatures
	sessions *fakeSessions
	ws       *fakeWorkspace
	ag       *fakeAgent
	bus      *events.Bus
	cfg      *config.Config
	root     string
}

func newFixture(t *testing.T, feats []models.Feature, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Tracks = []models.TrackDefinition{{Name: "general", Default: true}}
	cfg.TracksConfigured = true
	cfg.Verification.DelayMs = 0
	cfg.Agent.RateLimitWaitMs = 5
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		features: newFakeFeatures(feats...),
		sessions: newFakeSessions(),
		ws:       &fakeWorkspace{aheadCount: 1},
		ag:       &fakeAgent{},
		bus:      events.NewBus(),
		cfg:      cfg,
		root:     t.TempDir(),
	}
	f.o = New(cfg, f.root, f.bus, f.features, f.sessions, f.ws, f.ag)
	f.o.idleSleep = 5 * time.Millisecond
	f.o.barrierSleep = 2 * time.Millisecond
	f.o.pacingSleep = time.Millisecond
	f.o.fastFailWindow = 0
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestValidateTracks(t *testing.T) {
	valid := []models.TrackDefinition{
		{Name: "backend", Categories: []string{"api"}},
		{Name: "general", Default: true},
	}
	if err := validateTracks(valid); err != nil {
		t.Errorf("valid tracks rejected: %v", err)
	}

	cases := []struct {
		name   string
		tracks []models.TrackDefinition
	}{
		{"empty", nil},
		{"too many", make([]models.TrackDefinition, 6)},
		{"no default", []models.TrackDefinition{{Name: "a"}}},
		{"two defaults", []models.TrackDefinition{{Name: "a", Default: true}, {Name: "b", Default: true}}},
		{"duplicate names", []models.TrackDefinition{{Name: "a", Default: true}, {Name: "a"}}},
		{"empty name", []models.TrackDefinition{{Name: "", Default: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateTracks(tc.tracks); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.start(t)
	defer f.o.Stop()

	waitFor(t, "feature passed", func() bool {
		return f.features.status(1) == models.FeatureStatusPassed
	})

	tracks := f.sessions.tracksCreated()
	if len(tracks) != 2 || tracks[0] != "general" || tracks[1] != models.TrackVerification {
		t.Errorf("session tracks = %v, want [general verification]", tracks)
	}
	if f.ws.count("merge") != 1 || f.ws.count("push") != 1 {
		t.Errorf("merge=%d push=%d, want 1 each", f.ws.count("merge"), f.ws.count("push"))
	}

	progress, err := os.ReadFile(filepath.Join(f.root, f.cfg.ProgressLogPath))
	if err != nil {
		t.Fatalf("progress log: %v", err)
	}
	if !strings.Contains(string(progress), "feature #1: passed") {
		t.Errorf("progress log = %q", progress)
	}

	waitFor(t, "pass counted on the track", func() bool {
		st := f.o.GetStatus()
		return len(st.Tracks) == 1 && st.Tracks[0].Completed == 1
	})

	f.sessions.mu.Lock()
	implID := f.sessions.created[0].ID
	upds := append([]state.SessionUpdate(nil), f.sessions.updates[implID]...)
	f.sessions.mu.Unlock()
	hasDuration := false
	for _, upd := range upds {
		if upd.DurationMs != nil && *upd.DurationMs >= 0 {
			hasDuration = true
		}
	}
	if !hasDuration {
		t.Error("finished session should record its duration")
	}
}

func TestPipelineVerifyFailThenFixThenPass(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.ag.verifyResults = []agent.Result{
		{Success: true, Output: "STEP 1: FAIL - button missing\nVERDICT: FAIL"},
		{Success: true, Output: "STEP 1: PASS - fixed\nVERDICT: PASS"},
	}
	f.start(t)
	defer f.o.Stop()

	waitFor(t, "feature passed after fix", func() bool {
		return f.features.status(1) == models.FeatureStatusPassed
	})

	if f.ag.fixCalls != 1 {
		t.Errorf("fixCalls = %d, want 1", f.ag.fixCalls)
	}
	// Base is re-merged before every verification attempt.
	if got := f.ws.count("merge"); got != 2 {
		t.Errorf("merge count = %d, want 2", got)
	}
}

func TestPipelineVerifyExitZeroWithFailVerdict(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, func(cfg *config.Config) {
		cfg.Verification.MaxAttempts = 1
	})
	f.ag.verifyResults = []agent.Result{
		{Success: true, Output: "STEP 1: FAIL - broken\nVERDICT: FAIL"},
	}
	f.start(t)
	defer f.o.Stop()

	waitFor(t, "feature failed", func() bool {
		return f.features.status(1) == models.FeatureStatusFailed
	})

	feat := f.features.feature(1)
	if feat.FailureKind != models.FailureVerification {
		t.Errorf("FailureKind = %v, want verification", feat.FailureKind)
	}
	if f.ag.fixCalls != 0 {
		t.Errorf("fixCalls = %d, want 0 with a single attempt", f.ag.fixCalls)
	}
	// The merged code stays on base: the merge happened and nothing
	// reverted it.
	if f.ws.count("merge") != 1 {
		t.Errorf("merge count = %d, want 1", f.ws.count("merge"))
	}
}

func TestPipelineMergeFailureStopsOrchestrator(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.ws.mergeErr = errors.New("merge conflict in app.go")
	f.start(t)

	waitFor(t, "orchestrator stopped", func() bool {
		return f.o.GetStatus().State == models.StateStopped
	})

	feat := f.features.feature(1)
	if feat.Status != models.FeatureStatusFailed || feat.FailureKind != models.FailureVerification {
		t.Errorf("feature = %+v, want failed/verification", feat)
	}
}

func TestPipelineZeroCommitsStopsOrchestrator(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.ws.aheadCount = 0
	f.start(t)

	waitFor(t, "orchestrator stopped", func() bool {
		return f.o.GetStatus().State == models.StateStopped
	})

	feat := f.features.feature(1)
	if feat.Status != models.FeatureStatusFailed || feat.FailureKind != models.FailureImplementation {
		t.Errorf("feature = %+v, want failed/implementation", feat)
	}
	if f.ag.verifyCalls != 0 {
		t.Errorf("verifyCalls = %d, want 0", f.ag.verifyCalls)
	}
}

func TestTrackCountersOnImplementationFailure(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.ag.sessionResults = []agent.Result{
		{Success: false, Error: "agent failed", RefinedError: "TypeError: undefined is not a function"},
	}
	f.start(t)
	defer f.o.Stop()

	// Failures before the merge-verify window still count on the track.
	waitFor(t, "failure counted on the track", func() bool {
		st := f.o.GetStatus()
		return len(st.Tracks) == 1 && st.Tracks[0].Failed == 1
	})
	if f.features.status(1) != models.FeatureStatusFailed {
		t.Errorf("feature status = %v, want failed", f.features.status(1))
	}
}

func TestMergeVerifyWindowsSerializedAcrossTracks(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "API login", Category: "api", Status: models.FeatureStatusOpen},
		{ID: 2, Name: "UI login", Category: "ui", Status: models.FeatureStatusOpen},
	}, func(cfg *config.Config) {
		cfg.Tracks = []models.TrackDefinition{
			{Name: "backend", Categories: []string{"api"}},
			{Name: "frontend", Categories: []string{"ui"}, Default: true},
		}
	})

	// A window opens at the merge and closes when verification returns.
	// Two tracks finishing their agents at the same time must take turns.
	var mu sync.Mutex
	depth, maxDepth := 0, 0
	f.ws.onMerge = func() {
		mu.Lock()
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		mu.Unlock()
	}
	f.ag.onVerify = func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		depth--
		mu.Unlock()
	}

	f.start(t)
	defer f.o.Stop()

	waitFor(t, "both features passed", func() bool {
		return f.features.status(1) == models.FeatureStatusPassed &&
			f.features.status(2) == models.FeatureStatusPassed
	})

	mu.Lock()
	defer mu.Unlock()
	if maxDepth != 1 {
		t.Errorf("merge-verify windows overlapped: %d concurrent, want 1", maxDepth)
	}
	if got := f.ws.count("merge"); got != 2 {
		t.Errorf("merge count = %d, want 2", got)
	}
}

func TestPipelineRateLimitedFeatureStaysOpenAndRetries(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)
	f.ag.sessionResults = []agent.Result{
		{Success: false, Error: "rate limited", RefinedError: "HTTP 429 Too Many Requests", AgentUsed: models.AgentClaude},
		{Success: true, Output: "implemented", AgentUsed: models.AgentClaude},
	}
	f.start(t)
	defer f.o.Stop()

	waitFor(t, "feature passed on second run", func() bool {
		return f.features.status(1) == models.FeatureStatusPassed
	})

	f.features.mu.Lock()
	updates := append([]string(nil), f.features.updates...)
	f.features.mu.Unlock()
	for _, u := range updates {
		if strings.HasSuffix(u, ":failed") {
			t.Errorf("rate-limited run must not mark the feature failed: %v", updates)
		}
	}
}

func TestPipelineCriticalFailureCircuitBreaker(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
		{ID: 2, Name: "Signup", Status: models.FeatureStatusOpen},
	}, func(cfg *config.Config) {
		cfg.CriticalPatterns = []config.CriticalPattern{
			{Pattern: "ECONNREFUSED", Label: "dev server is down"},
		}
	})
	f.ag.sessionResults = []agent.Result{
		{Success: false, Error: "agent failed", RefinedError: "connect ECONNREFUSED 127.0.0.1:3000"},
		{Success: false, Error: "agent failed", RefinedError: "connect ECONNREFUSED 127.0.0.1:3000"},
	}

	sub := f.bus.Subscribe(events.TopicCriticalFailure)
	defer sub.Close()
	f.start(t)
	defer f.o.Stop()

	select {
	case e := <-sub.C():
		if e.Track != "general" {
			t.Errorf("critical failure track = %q, want general", e.Track)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no critical-failure event")
	}

	for _, id := range []int{1, 2} {
		feat := f.features.feature(id)
		if feat.Status != models.FeatureStatusFailed || feat.FailureKind != models.FailureEnvironment {
			t.Errorf("feature %d = %+v, want failed/environment", id, feat)
		}
		if feat.FailureReason != "dev server is down" {
			t.Errorf("feature %d reason = %q", id, feat.FailureReason)
		}
	}
}

func TestSetupHandshake(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Category: "api", Status: models.FeatureStatusOpen},
	}, func(cfg *config.Config) {
		cfg.TracksConfigured = false
		cfg.Tracks = nil
	})

	startErr := make(chan error, 1)
	go func() { startErr <- f.o.Start(context.Background()) }()

	waitFor(t, "setup state", func() bool {
		return f.o.GetStatus().State == models.StateSetup
	})

	if got := f.o.GetStatus().Categories; len(got) != 1 || got[0] != "api" {
		t.Errorf("categories = %v, want [api]", got)
	}

	if err := f.o.ConfigureTracks(nil); err == nil {
		t.Error("empty track list should be rejected")
	}
	if err := f.o.ConfigureTracks([]models.TrackDefinition{
		{Name: "a", Default: true}, {Name: "b", Default: true},
	}); err == nil {
		t.Error("two defaults should be rejected")
	}

	tracks := []models.TrackDefinition{
		{Name: "backend", Categories: []string{"api"}},
		{Name: "general", Default: true},
	}
	if err := f.o.ConfigureTracks(tracks); err != nil {
		t.Fatalf("ConfigureTracks: %v", err)
	}
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.o.Stop()

	waitFor(t, "running state", func() bool {
		return f.o.GetStatus().State == models.StateRunning
	})

	if !f.cfg.TracksConfigured {
		t.Error("TracksConfigured should be persisted")
	}
	if _, err := os.Stat(filepath.Join(f.root, config.FileName)); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	if err := f.o.ConfigureTracks(tracks); err == nil {
		t.Error("ConfigureTracks outside setup should be rejected")
	}
}

func TestRetryAndResume(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusFailed},
	}, nil)

	// Wire a running orchestrator without launching loops so queue state
	// is observable.
	f.o.state = models.StateRunning
	f.o.queues = queue.NewManager(f.cfg.Tracks)
	f.o.tracks = f.cfg.Tracks
	f.sessions.latest = &models.Session{
		ID:        "prev-1",
		FeatureID: 1,
		Output:    "stack trace from the previous run",
	}

	if err := f.o.RetryFeature(1, "try again with smaller steps"); err != nil {
		t.Fatalf("RetryFeature: %v", err)
	}
	if f.features.status(1) != models.FeatureStatusOpen {
		t.Error("retry should reset the feature to open")
	}
	st := f.o.queues.GetStatus("general")
	if st.Retry != 1 {
		t.Errorf("retry depth = %d, want 1", st.Retry)
	}

	item, ok := f.o.queues.Dequeue("general")
	if !ok || !item.Retry {
		t.Fatalf("dequeued %+v, want a retry item", item)
	}
	if !strings.Contains(item.ExtraContext, "try again with smaller steps") ||
		!strings.Contains(item.ExtraContext, "stack trace from the previous run") {
		t.Errorf("extra context = %q", item.ExtraContext)
	}
	if item.PreviousSessionID != "prev-1" {
		t.Errorf("previous session = %q, want prev-1", item.PreviousSessionID)
	}

	// The retried run failed again; only then may it be resumed.
	if err := f.features.UpdateStatus(1, models.FeatureStatusFailed, "still broken", models.FailureImplementation, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.o.ResumeFeature(1, ""); err != nil {
		t.Fatalf("ResumeFeature: %v", err)
	}
	if st := f.o.queues.GetStatus("general"); st.Resume != 1 {
		t.Errorf("resume depth = %d, want 1", st.Resume)
	}
	if f.o.resumeBarrierBlocked("general") {
		t.Error("target track must not be blocked by its own resume")
	}
	if !f.o.resumeBarrierBlocked("other") {
		t.Error("other tracks must stall while a resume is active")
	}

	f.o.clearResumeRequest(1)
	if f.o.resumeBarrierBlocked("other") {
		t.Error("barrier should clear when the feature completes")
	}
}

func TestRequeueRejectedUnlessFailed(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusOpen},
	}, nil)

	f.o.state = models.StateRunning
	f.o.queues = queue.NewManager(f.cfg.Tracks)
	f.o.tracks = f.cfg.Tracks
	f.o.queues.Initialize([]models.Feature{{ID: 1, Status: models.FeatureStatusOpen}})

	// Feature 1 is already waiting in the main queue; requeueing it would
	// put the same id in two queues.
	if err := f.o.RetryFeature(1, ""); err == nil {
		t.Error("retrying an open feature should be rejected")
	}
	if err := f.o.ResumeFeature(1, ""); err == nil {
		t.Error("resuming an open feature should be rejected")
	}
	if st := f.o.queues.GetStatus("general"); st.Total() != 1 {
		t.Errorf("queue depth = %d, want 1 (no duplicate entry)", st.Total())
	}
	if f.o.GetStatus().ResumeRequest != nil {
		t.Error("rejected resume must not leave a barrier behind")
	}
}

func TestRetryRejectedWhenNotRunning(t *testing.T) {
	f := newFixture(t, []models.Feature{
		{ID: 1, Name: "Login", Status: models.FeatureStatusFailed},
	}, nil)
	if err := f.o.RetryFeature(1, ""); err == nil {
		t.Error("retry on a stopped orchestrator should fail")
	}
}

// Package orchestrator drives features through the implementation, merge,
// verification, and fix pipeline. One loop runs per track; the shared
// repository and the merge-and-verify window are the only cross-track
// synchronization points.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"gantry/internal/agent"
	"gantry/internal/config"
	"gantry/internal/events"
	"gantry/internal/lockfile"
	"gantry/internal/queue"
	"gantry/internal/state"
	"gantry/internal/workspace"
	"gantry/pkg/models"
)

// featureStore is the slice of the feature store the orchestrator needs.
type featureStore interface {
	Load() ([]models.Feature, error)
	Get(id int) (*models.Feature, error)
	UpdateStatus(id int, status models.FeatureStatus, failureReason string, failureKind models.FailureKind, progress string) error
}

// sessionLog is the slice of the session log the orchestrator needs.
type sessionLog interface {
	CreateSession(s *models.Session) error
	UpdateSession(id string, upd state.SessionUpdate) error
	GetLatestSessionForFeature(featureID int) (*models.Session, error)
}

// workspaceManager is the slice of the workspace manager the orchestrator
// needs.
type workspaceManager interface {
	Init() error
	PrepareBranch(track string, featureID int, featureName string, isRetry bool) (string, string, error)
	CleanupWorktree(track string) error
	CommitAllIfDirty(worktreePath, message string) (bool, error)
	GetBranchStatus(branch, worktreePath string) (workspace.BranchStatus, error)
	UpdateFeatureBranch(worktreePath string) error
	MergeLocally(branch string) (string, error)
	PushBaseBranch() error
}

// agentRunner is the slice of the agent executor the orchestrator needs.
type agentRunner interface {
	ExecuteSession(ctx context.Context, feature models.Feature, worktree, extraContext string, stop func() bool, onMessage func(models.AgentMessage)) agent.Result
	ExecuteVerification(ctx context.Context, feature models.Feature, stop func() bool, onMessage func(models.AgentMessage)) agent.Result
	ExecuteFix(ctx context.Context, feature models.Feature, worktree, verificationOutput string, stop func() bool, onMessage func(models.AgentMessage)) agent.Result
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	// State is the lifecycle state.
	State models.OrchestratorState
	// Tracks holds the per-track runtime status.
	Tracks []models.TrackStatus
	// Categories are the distinct feature categories seen at start.
	Categories []string
	// ResumeRequest is the active resume request, if any.
	ResumeRequest *models.ResumeRequest
}

// Orchestrator composes the stores, workspace, queues, executor, and bus
// into the per-track pipeline.
type Orchestrator struct {
	cfg         *config.Config
	projectRoot string

	features  featureStore
	sessions  sessionLog
	workspace workspaceManager
	executor  agentRunner
	queues    *queue.Manager
	bus       *events.Bus

	// verifyMu serializes the whole merge-and-verify window across tracks.
	verifyMu lockfile.FIFOMutex

	mu            sync.Mutex
	state         models.OrchestratorState
	tracks        []models.TrackDefinition
	trackStatus   map[string]*models.TrackStatus
	categories    []string
	resumeRequest *models.ResumeRequest
	configured    chan []models.TrackDefinition
	stopCh        chan struct{}
	stopOnce      *sync.Once
	wg            sync.WaitGroup

	// Timing knobs, shortened in tests.
	idleSleep      time.Duration
	barrierSleep   time.Duration
	pacingSleep    time.Duration
	fastFailWindow time.Duration
}

// New wires an Orchestrator from its collaborators.
func New(cfg *config.Config, projectRoot string, bus *events.Bus, fs featureStore, sl sessionLog, ws workspaceManager, ex agentRunner) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		projectRoot:    projectRoot,
		bus:            bus,
		features:       fs,
		sessions:       sl,
		workspace:      ws,
		executor:       ex,
		state:          models.StateStopped,
		trackStatus:    make(map[string]*models.TrackStatus),
		configured:     make(chan []models.TrackDefinition),
		stopCh:         make(chan struct{}),
		stopOnce:       &sync.Once{},
		idleSleep:      2 * time.Second,
		barrierSleep:   time.Second,
		pacingSleep:    5 * time.Second,
		fastFailWindow: 10 * time.Second,
	}
}

// Start brings the orchestrator to running: initialize the workspace, load
// features, run the setup handshake when tracks are not yet configured, and
// launch one loop per track. Blocks until the loops are launched or the
// context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != models.StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("cannot start while %s", o.state)
	}
	o.stopCh = make(chan struct{})
	o.stopOnce = &sync.Once{}
	o.resumeRequest = nil
	o.mu.Unlock()

	if err := o.workspace.Init(); err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}

	feats, err := o.features.Load()
	if err != nil {
		return fmt.Errorf("load features: %w", err)
	}
	categories := distinctCategories(feats)

	o.mu.Lock()
	o.categories = categories
	o.mu.Unlock()

	tracks := o.cfg.Tracks
	if !o.cfg.TracksConfigured {
		o.setState(models.StateSetup)
		o.bus.Publish(events.Event{Topic: events.TopicNewCategories, Categories: categories})
		o.publishStatus()

		select {
		case tracks = <-o.configured:
		case <-ctx.Done():
			o.setState(models.StateStopped)
			return ctx.Err()
		case <-o.stopCh:
			o.setState(models.StateStopped)
			return fmt.Errorf("stopped during setup")
		}
	} else {
		if uncovered := uncoveredCategories(categories, tracks); len(uncovered) > 0 {
			log.Printf("[orchestrator] categories without a dedicated track: %v", uncovered)
			o.bus.Publish(events.Event{Topic: events.TopicNewCategories, Categories: uncovered})
		}
	}

	o.queues = queue.NewManager(tracks)
	o.queues.Initialize(feats)

	o.mu.Lock()
	o.tracks = tracks
	o.trackStatus = make(map[string]*models.TrackStatus, len(tracks))
	for _, t := range tracks {
		st := o.queues.GetStatus(t.Name)
		o.trackStatus[t.Name] = &models.TrackStatus{Name: t.Name, Queued: st.Total()}
	}
	o.state = models.StateRunning
	o.mu.Unlock()
	o.publishStatus()

	for _, t := range tracks {
		o.wg.Add(1)
		go func(track string) {
			defer o.wg.Done()
			o.runTrackLoop(ctx, track)
		}(t.Name)
	}

	log.Printf("[orchestrator] running with %d tracks", len(tracks))
	return nil
}

// ConfigureTracks completes the setup handshake. Accepts 1-5 definitions
// with unique non-empty names and exactly one default; persists them and
// transitions the scheduler to running.
func (o *Orchestrator) ConfigureTracks(tracks []models.TrackDefinition) error {
	if err := validateTracks(tracks); err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != models.StateSetup {
		o.mu.Unlock()
		return fmt.Errorf("tracks can only be configured during setup, state is %s", o.state)
	}
	o.mu.Unlock()

	o.cfg.Tracks = tracks
	o.cfg.TracksConfigured = true
	if err := config.Save(o.projectRoot, o.cfg); err != nil {
		return fmt.Errorf("persist track configuration: %w", err)
	}

	select {
	case o.configured <- tracks:
		return nil
	case <-o.stopCh:
		return fmt.Errorf("orchestrator stopped before configuration was applied")
	}
}

// validateTracks checks the setup handshake constraints.
func validateTracks(tracks []models.TrackDefinition) error {
	if len(tracks) < 1 || len(tracks) > 5 {
		return fmt.Errorf("between 1 and 5 tracks required, got %d", len(tracks))
	}

	seen := make(map[string]bool, len(tracks))
	defaults := 0
	for _, t := range tracks {
		if t.Name == "" {
			return fmt.Errorf("track names must be non-empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate track name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("exactly one default track required, got %d", defaults)
	}
	return nil
}

// Stop requests a stop and waits for every track loop to drain. Running
// subprocesses are not killed; loops observe the flag between steps.
func (o *Orchestrator) Stop() {
	o.requestStop()
	o.wg.Wait()
	o.setState(models.StateStopped)
	o.publishStatus()
	log.Printf("[orchestrator] stopped")
}

// requestStop flips the state to stopping and signals the loops.
func (o *Orchestrator) requestStop() {
	o.mu.Lock()
	if o.state == models.StateRunning || o.state == models.StateSetup {
		o.state = models.StateStopping
	}
	once := o.stopOnce
	ch := o.stopCh
	o.mu.Unlock()

	once.Do(func() { close(ch) })
	o.publishStatus()
}

// initiateStop is the internal variant used when the pipeline cannot
// advance. The caller is inside a track loop, so the drain happens on a
// separate goroutine.
func (o *Orchestrator) initiateStop(reason string) {
	log.Printf("[orchestrator] stopping: %s", reason)
	o.requestStop()
	go func() {
		o.wg.Wait()
		o.setState(models.StateStopped)
		o.publishStatus()
	}()
}

// stopRequested reports whether a stop has been requested.
func (o *Orchestrator) stopRequested() bool {
	o.mu.Lock()
	ch := o.stopCh
	o.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// GetStatus returns a snapshot of the orchestrator.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	tracks := make([]models.TrackStatus, 0, len(o.tracks))
	for _, t := range o.tracks {
		if st, ok := o.trackStatus[t.Name]; ok {
			copied := *st
			if o.queues != nil {
				copied.Queued = o.queues.GetStatus(t.Name).Total()
			}
			tracks = append(tracks, copied)
		}
	}

	var resume *models.ResumeRequest
	if o.resumeRequest != nil {
		copied := *o.resumeRequest
		resume = &copied
	}

	return Status{
		State:         o.state,
		Tracks:        tracks,
		Categories:    append([]string(nil), o.categories...),
		ResumeRequest: resume,
	}
}

// RetryFeature resets a failed feature to open and queues it on its track's
// retry queue, carrying the operator's note and a tail of the previous
// session as extra context.
func (o *Orchestrator) RetryFeature(featureID int, note string) error {
	return o.requeue(featureID, note, false)
}

// ResumeFeature is like RetryFeature but uses the resume queue and stalls
// every other track until this feature completes.
func (o *Orchestrator) ResumeFeature(featureID int, note string) error {
	return o.requeue(featureID, note, true)
}

func (o *Orchestrator) requeue(featureID int, note string, resume bool) error {
	o.mu.Lock()
	if o.state != models.StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is %s", o.state)
	}
	o.mu.Unlock()

	feature, err := o.features.Get(featureID)
	if err != nil {
		return err
	}
	// Only terminal failures can be requeued. An open feature is already
	// queued or in flight; requeueing it would put the same id in two
	// queues and run it twice.
	if feature.Status != models.FeatureStatusFailed {
		return fmt.Errorf("feature %d is %s, only failed features can be requeued", featureID, feature.Status)
	}

	if err := o.features.UpdateStatus(featureID, models.FeatureStatusOpen, "", "", ""); err != nil {
		return fmt.Errorf("reset feature %d: %w", featureID, err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicFeatureUpdated, FeatureID: featureID})

	extraContext, previousID := o.previousSessionContext(featureID, note)
	track := o.queues.Route(*feature)

	if resume {
		o.mu.Lock()
		o.resumeRequest = &models.ResumeRequest{
			FeatureID:   featureID,
			Track:       track,
			RequestedAt: time.Now(),
		}
		o.mu.Unlock()
		o.queues.EnqueueResume(featureID, track, extraContext, previousID)
	} else {
		o.queues.EnqueueRetry(featureID, track, extraContext, previousID)
	}
	o.publishStatus()
	return nil
}

// previousSessionContext combines the operator note with a tail of the last
// session's conversation or raw output.
func (o *Orchestrator) previousSessionContext(featureID int, note string) (string, string) {
	prev, err := o.sessions.GetLatestSessionForFeature(featureID)
	if err != nil || prev == nil {
		return note, ""
	}

	var history string
	if len(prev.Messages) > 0 {
		start := len(prev.Messages) - 10
		if start < 0 {
			start = 0
		}
		for _, msg := range prev.Messages[start:] {
			if msg.Content != "" {
				history += msg.Content + "\n"
			}
		}
	} else {
		history = prev.Output
	}
	history = tailString(history, 2000)

	switch {
	case note != "" && history != "":
		return note + "\n\nPrevious attempt:\n" + history, prev.ID
	case history != "":
		return "Previous attempt:\n" + history, prev.ID
	default:
		return note, prev.ID
	}
}

// clearResumeRequest drops the active resume request when the given feature
// completes.
func (o *Orchestrator) clearResumeRequest(featureID int) {
	o.mu.Lock()
	if o.resumeRequest != nil && o.resumeRequest.FeatureID == featureID {
		o.resumeRequest = nil
	}
	o.mu.Unlock()
}

// resumeBarrierBlocked reports whether the track must wait for another
// track's resumed feature.
func (o *Orchestrator) resumeBarrierBlocked(track string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumeRequest != nil && o.resumeRequest.Track != track
}

func (o *Orchestrator) setState(s models.OrchestratorState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// publishStatus pushes a status snapshot through the bus.
func (o *Orchestrator) publishStatus() {
	snap := o.GetStatus()
	o.bus.Publish(events.Event{
		Topic:  events.TopicStatus,
		State:  snap.State,
		Tracks: snap.Tracks,
	})
}

// updateTrackStatus mutates one track's runtime status under the lock.
func (o *Orchestrator) updateTrackStatus(track string, fn func(*models.TrackStatus)) {
	o.mu.Lock()
	if st, ok := o.trackStatus[track]; ok {
		fn(st)
	}
	o.mu.Unlock()
}

// distinctCategories returns the sorted set of non-empty categories.
func distinctCategories(feats []models.Feature) []string {
	seen := make(map[string]bool)
	for _, f := range feats {
		if f.Category != "" {
			seen[f.Category] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// uncoveredCategories returns categories no track's list accepts.
func uncoveredCategories(categories []string, tracks []models.TrackDefinition) []string {
	var out []string
	for _, c := range categories {
		covered := false
		for _, t := range tracks {
			if t.Accepts(c) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, c)
		}
	}
	return out
}

// tailString returns the last n bytes of s.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gantry/internal/agent"
	"gantry/internal/events"
	"gantry/internal/state"
	"gantry/pkg/models"
)

// criticalFailureThreshold is how many consecutive critical failures pause
// a track.
const criticalFailureThreshold = 2

// featureOutcome summarizes one pass through the pipeline for pacing and
// circuit-breaker decisions.
type featureOutcome struct {
	failed   bool
	critical bool
}

// runTrackLoop processes the track's queues until the orchestrator stops or
// the track's circuit breaker trips.
func (o *Orchestrator) runTrackLoop(ctx context.Context, track string) {
	log.Printf("[orchestrator] track %s: loop started", track)
	criticalStreak := 0

	for !o.stopRequested() {
		if o.resumeBarrierBlocked(track) {
			o.sleepInterruptible(o.barrierSleep)
			continue
		}

		item, ok := o.queues.Dequeue(track)
		if !ok {
			o.sleepInterruptible(o.idleSleep)
			continue
		}

		feature, err := o.features.Get(item.FeatureID)
		if err != nil {
			log.Printf("[orchestrator] track %s: feature %d: %v", track, item.FeatureID, err)
			continue
		}

		started := time.Now()
		outcome := o.processFeature(ctx, track, *feature, item)

		if outcome.critical {
			criticalStreak++
			if criticalStreak >= criticalFailureThreshold {
				log.Printf("[orchestrator] track %s: %d consecutive critical failures, pausing track", track, criticalStreak)
				o.bus.Publish(events.Event{
					Topic:  events.TopicCriticalFailure,
					Track:  track,
					Reason: fmt.Sprintf("%d consecutive critical failures", criticalStreak),
				})
				break
			}
		} else {
			criticalStreak = 0
		}

		if outcome.failed && time.Since(started) < o.fastFailWindow {
			o.sleepInterruptible(o.pacingSleep)
		}
	}

	log.Printf("[orchestrator] track %s: loop exited", track)
}

// processFeature drives one feature through branch preparation, the
// implementation agent, auto-commit, and merge-and-verify.
func (o *Orchestrator) processFeature(ctx context.Context, track string, feature models.Feature, item models.QueueItem) featureOutcome {
	defer o.clearResumeRequest(feature.ID)
	defer func() {
		o.updateTrackStatus(track, func(st *models.TrackStatus) {
			st.CurrentFeatureID = 0
			st.CurrentSessionID = ""
		})
		o.publishStatus()
	}()

	o.updateTrackStatus(track, func(st *models.TrackStatus) {
		st.CurrentFeatureID = feature.ID
	})
	o.publishStatus()

	branch, worktree, err := o.workspace.PrepareBranch(track, feature.ID, feature.Name, item.Retry)
	if err != nil {
		log.Printf("[orchestrator] track %s: prepare branch for feature %d: %v", track, feature.ID, err)
		o.markFeatureFailed(track, feature.ID, fmt.Sprintf("branch preparation failed: %v", err), models.FailureEnvironment)
		return featureOutcome{failed: true}
	}

	session := &models.Session{
		ID:           uuid.NewString(),
		FeatureID:    feature.ID,
		Track:        track,
		Branch:       branch,
		Status:       models.SessionRunning,
		StartedAt:    time.Now(),
		Prompt:       agent.BuildPrompt(agent.PromptImplementation, o.cfg, o.projectRoot, o.sessionPromptVars(feature, worktree)),
		ExtraContext: item.ExtraContext,
	}
	if err := o.sessions.CreateSession(session); err != nil {
		log.Printf("[orchestrator] track %s: create session: %v", track, err)
	}
	o.updateTrackStatus(track, func(st *models.TrackStatus) {
		st.CurrentSessionID = session.ID
	})
	o.bus.Publish(events.Event{Topic: events.TopicSessionStarted, SessionID: session.ID, Session: session, FeatureID: feature.ID})

	res := o.executor.ExecuteSession(ctx, feature, worktree, item.ExtraContext, o.stopRequested, o.streamTo(session.ID))

	if !res.Success {
		fa := analyzeFailure(o.cfg.CriticalPatterns, res.RefinedOutput+"\n"+res.RefinedError+"\n"+res.StderrTail)

		if fa.RateLimited {
			// The feature stays open and comes back first on this track;
			// the worktree is kept so partial work survives.
			o.finishSession(session, res, models.SessionFailed, "rate limited: "+res.Error)
			o.queues.EnqueueResume(feature.ID, track, item.ExtraContext, session.ID)
			log.Printf("[orchestrator] track %s: feature %d rate limited, waiting %s", track, feature.ID, o.cfg.Agent.RateLimitWait())
			o.sleepInterruptible(o.cfg.Agent.RateLimitWait())
			return featureOutcome{}
		}

		o.finishSession(session, res, models.SessionFailed, res.Error)
		o.markFeatureFailed(track, feature.ID, fa.Reason, fa.Kind)
		o.cleanupTrack(track)
		return featureOutcome{failed: true, critical: fa.Critical}
	}

	o.finishSession(session, res, models.SessionPassed, "")

	committed, err := o.workspace.CommitAllIfDirty(worktree, fmt.Sprintf("Feature #%d: %s", feature.ID, feature.Name))
	if err != nil {
		log.Printf("[orchestrator] track %s: auto-commit feature %d: %v", track, feature.ID, err)
		o.markFeatureFailed(track, feature.ID, fmt.Sprintf("auto-commit failed: %v", err), models.FailureEnvironment)
		o.cleanupTrack(track)
		return featureOutcome{failed: true}
	}
	if committed {
		log.Printf("[orchestrator] track %s: committed leftover changes for feature %d", track, feature.ID)
	}

	status, err := o.workspace.GetBranchStatus(branch, worktree)
	if err != nil {
		log.Printf("[orchestrator] track %s: branch status for %s: %v", track, branch, err)
	}
	if err == nil && status.AheadCount == 0 {
		// A clean agent run with no commits means the pipeline cannot
		// advance; stop instead of spinning.
		o.appendSystemMessage(session, res, "agent reported success but produced no commits")
		o.markFeatureFailed(track, feature.ID, "agent produced no commits", models.FailureImplementation)
		o.cleanupTrack(track)
		o.initiateStop(fmt.Sprintf("feature %d produced no commits", feature.ID))
		return featureOutcome{failed: true}
	}

	passed := o.verifyAndMerge(ctx, track, feature, branch, worktree)
	o.cleanupTrack(track)
	return featureOutcome{failed: !passed}
}

// sessionPromptVars builds the prompt variables recorded with a session.
func (o *Orchestrator) sessionPromptVars(feature models.Feature, workDir string) agent.PromptVars {
	return agent.PromptVars{
		Feature:          feature,
		WorkDir:          workDir,
		ProjectRoot:      o.projectRoot,
		AppURL:           o.cfg.AppURL,
		BaseBranch:       o.cfg.BaseBranch,
		InstructionsPath: o.cfg.InstructionsPath,
	}
}

// streamTo publishes parsed agent messages for a session.
func (o *Orchestrator) streamTo(sessionID string) func(models.AgentMessage) {
	return func(m models.AgentMessage) {
		msg := m
		o.bus.Publish(events.Event{Topic: events.TopicAgentOutput, SessionID: sessionID, Message: &msg})
	}
}

// finishSession records the terminal session state, including the wall-clock
// duration, and publishes it.
func (o *Orchestrator) finishSession(session *models.Session, res agent.Result, status models.SessionStatus, errText string) {
	now := time.Now()
	durationMs := now.Sub(session.StartedAt).Milliseconds()
	upd := state.SessionUpdate{
		Status:     &status,
		FinishedAt: &now,
		DurationMs: &durationMs,
		Messages:   res.Messages,
	}
	if res.Output != "" {
		upd.Output = &res.Output
	}
	if errText != "" {
		upd.Error = &errText
	}
	if res.AgentUsed != "" {
		upd.AgentUsed = &res.AgentUsed
	}
	if err := o.sessions.UpdateSession(session.ID, upd); err != nil {
		log.Printf("[orchestrator] finish session %s: %v", session.ID, err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicSessionFinished, SessionID: session.ID})
}

// appendSystemMessage adds an orchestrator-authored message to a session's
// conversation.
func (o *Orchestrator) appendSystemMessage(session *models.Session, res agent.Result, content string) {
	messages := append(res.Messages, models.AgentMessage{
		Kind:      models.MessageSystem,
		Timestamp: time.Now(),
		Agent:     models.AgentSystem,
		Content:   content,
	})
	if err := o.sessions.UpdateSession(session.ID, state.SessionUpdate{Messages: messages}); err != nil {
		log.Printf("[orchestrator] append system message to %s: %v", session.ID, err)
	}
}

// markFeatureFailed persists a failure, counts it against the track, and
// publishes the update. Every terminal failure path goes through here so the
// track counters stay accurate.
func (o *Orchestrator) markFeatureFailed(track string, featureID int, reason string, kind models.FailureKind) {
	o.updateTrackStatus(track, func(st *models.TrackStatus) {
		st.Failed++
	})
	if err := o.features.UpdateStatus(featureID, models.FeatureStatusFailed, reason, kind, ""); err != nil {
		log.Printf("[orchestrator] track %s: mark feature %d failed: %v", track, featureID, err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicFeatureUpdated, FeatureID: featureID})
	o.appendProgress(featureID, fmt.Sprintf("failed (%s): %s", kind, reason))
}

// cleanupTrack removes the track's working copy.
func (o *Orchestrator) cleanupTrack(track string) {
	if err := o.workspace.CleanupWorktree(track); err != nil {
		log.Printf("[orchestrator] track %s: cleanup worktree: %v", track, err)
	}
}

// sleepInterruptible sleeps up to d, returning early on stop.
func (o *Orchestrator) sleepInterruptible(d time.Duration) {
	o.mu.Lock()
	ch := o.stopCh
	o.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(d):
	}
}

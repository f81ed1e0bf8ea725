package orchestrator

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"gantry/internal/agent"
	"gantry/internal/events"
	"gantry/pkg/models"
)

var verdictFailPattern = regexp.MustCompile(`(?m)^\s*VERDICT:\s*FAIL`)
var stepFailPattern = regexp.MustCompile(`(?m)\bSTEP\s+\d+:\s*FAIL`)

// verifyAndMerge merges the feature branch into base and runs the
// verify/fix cycle. The verification mutex is held for the whole window so
// at most one track merges and verifies at a time. Returns true when the
// feature passed. The merged code stays on base even when every attempt
// fails, so later features build on it instead of re-implementing it.
func (o *Orchestrator) verifyAndMerge(ctx context.Context, track string, feature models.Feature, branch, worktree string) bool {
	o.verifyMu.Lock()
	released := false
	release := func() {
		if !released {
			released = true
			o.verifyMu.Unlock()
		}
	}
	defer release()

	maxAttempts := o.cfg.Verification.MaxAttempts
	if maxAttempts < 1 || o.cfg.Verification.Disabled {
		maxAttempts = 1
	}

	lastFailure := "verification did not run"
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Best effort: a conflict here may still merge cleanly below once
		// the fix commits land.
		if err := o.workspace.UpdateFeatureBranch(worktree); err != nil {
			log.Printf("[orchestrator] track %s: refresh %s from base: %v", track, branch, err)
		}

		if _, err := o.workspace.MergeLocally(branch); err != nil {
			o.failAndStop(track, feature.ID, release, fmt.Sprintf("merge %s into base failed: %v", branch, err))
			return false
		}
		if err := o.workspace.PushBaseBranch(); err != nil {
			o.failAndStop(track, feature.ID, release, fmt.Sprintf("push base branch failed: %v", err))
			return false
		}

		if o.cfg.Verification.Disabled {
			release()
			o.markFeaturePassed(track, feature.ID, "merged with verification disabled")
			return true
		}

		if err := o.features.UpdateStatus(feature.ID, models.FeatureStatusVerifying, "", "", ""); err != nil {
			log.Printf("[orchestrator] mark feature %d verifying: %v", feature.ID, err)
		}
		o.bus.Publish(events.Event{Topic: events.TopicFeatureUpdated, FeatureID: feature.ID})

		// Give any running dev server time to pick up the merged code.
		o.sleepInterruptible(o.cfg.Verification.Delay())

		vres := o.runAuxSession(ctx, models.TrackVerification, feature, branch, func(stop func() bool, onMsg func(models.AgentMessage)) agent.Result {
			return o.executor.ExecuteVerification(ctx, feature, stop, onMsg)
		})

		// An exit-0 run that printed a failing verdict still failed.
		if vres.Success && !hasFailVerdict(vres.Output) {
			release()
			o.markFeaturePassed(track, feature.ID, fmt.Sprintf("verified on attempt %d", attempt))
			return true
		}

		lastFailure = verdictFailureReason(vres)
		log.Printf("[orchestrator] track %s: feature %d verification attempt %d failed: %s", track, feature.ID, attempt, lastFailure)

		if attempt < maxAttempts && !o.stopRequested() {
			fres := o.runAuxSession(ctx, models.TrackFix, feature, branch, func(stop func() bool, onMsg func(models.AgentMessage)) agent.Result {
				return o.executor.ExecuteFix(ctx, feature, worktree, vres.Output, stop, onMsg)
			})
			if !fres.Success {
				log.Printf("[orchestrator] track %s: fix attempt for feature %d failed: %s", track, feature.ID, fres.Error)
			}
			// Whatever the fix agent claims, commit what it changed and
			// let the next verification attempt judge it.
			if _, err := o.workspace.CommitAllIfDirty(worktree, fmt.Sprintf("Feature #%d: fix after failed verification", feature.ID)); err != nil {
				o.failAndStop(track, feature.ID, release, fmt.Sprintf("auto-commit after fix failed: %v", err))
				return false
			}
		}
	}

	release()
	o.markFeatureFailed(track, feature.ID, fmt.Sprintf("verification failed after %d attempts: %s", maxAttempts, lastFailure), models.FailureVerification)
	return false
}

// runAuxSession records and runs a verification or fix session.
func (o *Orchestrator) runAuxSession(ctx context.Context, track string, feature models.Feature, branch string, run func(stop func() bool, onMsg func(models.AgentMessage)) agent.Result) agent.Result {
	session := &models.Session{
		ID:        uuid.NewString(),
		FeatureID: feature.ID,
		Track:     track,
		Branch:    branch,
		Status:    models.SessionRunning,
		StartedAt: time.Now(),
	}
	if err := o.sessions.CreateSession(session); err != nil {
		log.Printf("[orchestrator] create %s session: %v", track, err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicSessionStarted, SessionID: session.ID, Session: session, FeatureID: feature.ID})

	res := run(o.stopRequested, o.streamTo(session.ID))

	status := models.SessionPassed
	errText := ""
	if !res.Success {
		status = models.SessionFailed
		errText = res.Error
	} else if track == models.TrackVerification && hasFailVerdict(res.Output) {
		status = models.SessionFailed
		errText = verdictFailureReason(res)
	}
	o.finishSession(session, res, status, errText)
	return res
}

// failAndStop marks the feature failed with kind verification, releases the
// mutex, and initiates an orchestrator stop. Used when base cannot be kept
// consistent.
func (o *Orchestrator) failAndStop(track string, featureID int, release func(), reason string) {
	release()
	o.markFeatureFailed(track, featureID, reason, models.FailureVerification)
	o.initiateStop(reason)
}

// markFeaturePassed persists the pass, counts it for the track, and
// publishes the update.
func (o *Orchestrator) markFeaturePassed(track string, featureID int, progress string) {
	o.updateTrackStatus(track, func(st *models.TrackStatus) {
		st.Completed++
	})
	if err := o.features.UpdateStatus(featureID, models.FeatureStatusPassed, "", "", progress); err != nil {
		log.Printf("[orchestrator] mark feature %d passed: %v", featureID, err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicFeatureUpdated, FeatureID: featureID})
	o.appendProgress(featureID, "passed: "+progress)
}

// hasFailVerdict scans verification output for a failing verdict or step.
func hasFailVerdict(output string) bool {
	return verdictFailPattern.MatchString(output) || stepFailPattern.MatchString(output)
}

// verdictFailureReason extracts a compact reason from a failed verification
// result.
func verdictFailureReason(res agent.Result) string {
	if m := stepFailPattern.FindString(res.Output); m != "" {
		if line := lineAround(res.Output, stepFailPattern.FindStringIndex(res.Output)[0]); line != "" {
			return truncateReason(line)
		}
	}
	if res.Error != "" {
		return truncateReason(res.Error)
	}
	if line := lastErrorLine(res.Output); line != "" {
		return truncateReason(line)
	}
	return "verification reported failure"
}

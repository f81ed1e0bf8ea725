package models

import "time"

// TrackDefinition describes a logical lane that processes features serially.
// Tracks run concurrently with each other.
type TrackDefinition struct {
	// Name is the unique non-empty track name.
	Name string `json:"name"`
	// Categories lists the feature categories this track accepts.
	Categories []string `json:"categories"`
	// Color is an optional display color for dashboards.
	Color string `json:"color,omitempty"`
	// Default marks the track that receives features no category matches.
	// Exactly one definition must carry this flag while the scheduler runs.
	Default bool `json:"default,omitempty"`
}

// Accepts returns true if the track's category list contains the category.
func (t TrackDefinition) Accepts(category string) bool {
	for _, c := range t.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// QueueItem is one entry in a track queue.
type QueueItem struct {
	// FeatureID is the feature to process.
	FeatureID int `json:"feature_id"`
	// Retry indicates the item came from an operator retry.
	Retry bool `json:"retry,omitempty"`
	// Resume indicates the item came from an operator resume.
	Resume bool `json:"resume,omitempty"`
	// ExtraContext is prior-session context to include in the prompt.
	ExtraContext string `json:"extra_context,omitempty"`
	// PreviousSessionID links back to the session being retried or resumed.
	PreviousSessionID string `json:"previous_session_id,omitempty"`
}

// TrackStatus is the read-only runtime status published for a track.
type TrackStatus struct {
	// Name is the track name.
	Name string `json:"name"`
	// CurrentFeatureID is the feature being processed, or 0 if idle.
	CurrentFeatureID int `json:"current_feature_id,omitempty"`
	// CurrentSessionID is the in-flight session, if any.
	CurrentSessionID string `json:"current_session_id,omitempty"`
	// Queued is the total number of queued items across all three queues.
	Queued int `json:"queued"`
	// Completed counts features that ended passed on this track.
	Completed int `json:"completed"`
	// Failed counts features that ended failed on this track.
	Failed int `json:"failed"`
}

// OrchestratorState represents the lifecycle state of the orchestrator.
type OrchestratorState string

const (
	// StateStopped indicates the orchestrator is not running.
	StateStopped OrchestratorState = "stopped"
	// StateSetup indicates features are loaded but tracks are not configured.
	StateSetup OrchestratorState = "setup"
	// StateRunning indicates track loops are processing features.
	StateRunning OrchestratorState = "running"
	// StateStopping indicates a stop was requested and loops are draining.
	StateStopping OrchestratorState = "stopping"
)

// ResumeRequest is the optional singleton that prioritizes one feature on one
// track. While set, every other track is blocked from dequeuing.
type ResumeRequest struct {
	// FeatureID is the feature being resumed.
	FeatureID int `json:"feature_id"`
	// Track is the target track.
	Track string `json:"track"`
	// RequestedAt is when the operator asked for the resume.
	RequestedAt time.Time `json:"requested_at"`
}

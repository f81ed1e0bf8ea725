package models

// FeatureStatus represents the current state of a feature.
type FeatureStatus string

const (
	// FeatureStatusOpen indicates the feature has not been implemented yet.
	FeatureStatusOpen FeatureStatus = "open"
	// FeatureStatusVerifying indicates the feature is merged and under verification.
	FeatureStatusVerifying FeatureStatus = "verifying"
	// FeatureStatusPassed indicates the feature was implemented and verified.
	FeatureStatusPassed FeatureStatus = "passed"
	// FeatureStatusFailed indicates the feature could not be completed.
	FeatureStatusFailed FeatureStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s FeatureStatus) Valid() bool {
	switch s {
	case FeatureStatusOpen, FeatureStatusVerifying, FeatureStatusPassed, FeatureStatusFailed:
		return true
	default:
		return false
	}
}

// FailureKind classifies why a feature failed.
type FailureKind string

const (
	// FailureEnvironment indicates broken infrastructure (matched a critical pattern).
	FailureEnvironment FailureKind = "environment"
	// FailureTestOnly indicates the implementation landed but tests or checks failed.
	FailureTestOnly FailureKind = "test_only"
	// FailureImplementation indicates the agent could not produce a working change.
	FailureImplementation FailureKind = "implementation"
	// FailureVerification indicates the merge/verify pipeline rejected the change.
	FailureVerification FailureKind = "verification"
	// FailureUnknown indicates the failure could not be classified.
	FailureUnknown FailureKind = "unknown"
)

// Valid returns true if the kind is a known value.
func (k FailureKind) Valid() bool {
	switch k {
	case FailureEnvironment, FailureTestOnly, FailureImplementation, FailureVerification, FailureUnknown:
		return true
	default:
		return false
	}
}

// Feature represents one unit of work the orchestrator drives through
// implementation, merge, and verification.
type Feature struct {
	// ID is the unique positive identifier for this feature.
	ID int `json:"id"`
	// Category is a free-form string used to route the feature to a track.
	Category string `json:"category"`
	// Name is the short human-readable name.
	Name string `json:"name"`
	// Description provides detailed information about the feature.
	Description string `json:"description,omitempty"`
	// Steps lists the ordered acceptance steps the verifier checks.
	Steps []string `json:"steps,omitempty"`
	// Status is the current state of the feature.
	Status FeatureStatus `json:"status"`
	// FailureReason explains why the feature failed, if it did.
	FailureReason string `json:"failure_reason,omitempty"`
	// FailureKind classifies the failure, if any.
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	// Progress is a free-form summary of what was accomplished.
	Progress string `json:"progress,omitempty"`
}

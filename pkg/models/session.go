package models

import "time"

// SessionStatus represents the outcome of one agent invocation.
type SessionStatus string

const (
	// SessionRunning indicates the agent process is still executing.
	SessionRunning SessionStatus = "running"
	// SessionPassed indicates the agent completed successfully.
	SessionPassed SessionStatus = "passed"
	// SessionFailed indicates the agent completed but the work failed.
	SessionFailed SessionStatus = "failed"
	// SessionError indicates the invocation itself errored.
	SessionError SessionStatus = "error"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionPassed, SessionFailed, SessionError:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a session can never leave.
func (s SessionStatus) Terminal() bool {
	return s == SessionPassed || s == SessionFailed || s == SessionError
}

// Synthetic track names used for sessions that do not belong to a
// configured track.
const (
	// TrackVerification labels verification-agent sessions.
	TrackVerification = "verification"
	// TrackFix labels fix-agent sessions.
	TrackFix = "fix"
)

// Session is the durable record of one agent invocation against a feature.
type Session struct {
	// ID is the opaque unique identifier for this session.
	ID string `json:"id"`
	// FeatureID is the feature this session worked on.
	FeatureID int `json:"feature_id"`
	// Track is the track name, or one of the synthetic names
	// TrackVerification / TrackFix.
	Track string `json:"track"`
	// Branch is the feature branch the session worked on.
	Branch string `json:"branch"`
	// Status is the current state of the session.
	Status SessionStatus `json:"status"`
	// StartedAt is when the agent was spawned.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the agent exited, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// DurationMs is the wall-clock duration in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`
	// Prompt is the full prompt sent to the agent.
	Prompt string `json:"prompt"`
	// ExtraContext is additional context supplied by retry/resume.
	ExtraContext string `json:"extra_context,omitempty"`
	// Output is the captured standard-output blob.
	Output string `json:"output,omitempty"`
	// Messages is the parsed agent event log.
	Messages []AgentMessage `json:"messages,omitempty"`
	// Error holds the error message when Status is error or failed.
	Error string `json:"error,omitempty"`
	// AgentUsed is the agent that actually ran last (after fallback).
	AgentUsed AgentName `json:"agent_used,omitempty"`
}

// AgentName identifies a supported agent binary.
type AgentName string

const (
	// AgentClaude is the Claude Code CLI.
	AgentClaude AgentName = "claude"
	// AgentCodex is the Codex CLI.
	AgentCodex AgentName = "codex"
	// AgentGemini is the Gemini CLI.
	AgentGemini AgentName = "gemini"
	// AgentSystem labels messages produced by the orchestrator itself.
	AgentSystem AgentName = "system"
)

// Valid returns true if the name is a spawnable agent.
func (a AgentName) Valid() bool {
	switch a {
	case AgentClaude, AgentCodex, AgentGemini:
		return true
	default:
		return false
	}
}

// MessageKind represents the type of a normalized agent event.
type MessageKind string

const (
	// MessageSystem is an init or status event from the agent runtime.
	MessageSystem MessageKind = "system"
	// MessageAssistant is assistant text output.
	MessageAssistant MessageKind = "assistant"
	// MessageToolUse is a tool invocation by the agent.
	MessageToolUse MessageKind = "tool_use"
	// MessageToolResult is the result of a tool invocation.
	MessageToolResult MessageKind = "tool_result"
	// MessageResult is the final result event of a run.
	MessageResult MessageKind = "result"
)

// AgentMessage is one normalized event parsed from an agent's stream.
type AgentMessage struct {
	// Kind is the normalized event type.
	Kind MessageKind `json:"kind"`
	// Timestamp is when the event was read from the stream.
	Timestamp time.Time `json:"timestamp"`
	// Agent identifies who produced the event, when known.
	Agent AgentName `json:"agent,omitempty"`
	// Content is the textual content, if any.
	Content string `json:"content,omitempty"`
	// ToolName is the tool being invoked for tool_use events.
	ToolName string `json:"tool_name,omitempty"`
	// ToolInput is the tool input rendered as a string.
	ToolInput string `json:"tool_input,omitempty"`
	// ToolResult is the tool result text for tool_result events.
	ToolResult string `json:"tool_result,omitempty"`
	// Raw preserves the original line when it could not be parsed.
	Raw string `json:"raw,omitempty"`
}

package orchestrator

import (
	"log"
	"regexp"
	"strings"

	"gantry/internal/agent"
	"gantry/internal/config"
	"gantry/pkg/models"
)

// maxReasonLength bounds the extracted failure reason.
const maxReasonLength = 200

// failureAnalysis classifies a failed agent run.
type failureAnalysis struct {
	// Reason is the human-readable failure description.
	Reason string
	// Kind is the persisted failure kind.
	Kind models.FailureKind
	// Critical marks environment failures that count toward the track's
	// circuit breaker.
	Critical bool
	// RateLimited means the feature should stay open and return via the
	// resume queue instead of being marked failed.
	RateLimited bool
}

var testOnlyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)tests? failed`),
	regexp.MustCompile(`(?i)assertion failed`),
	regexp.MustCompile(`(?i)expected .{1,80} to (equal|be|contain|match)`),
	regexp.MustCompile(`(?i)verification could ?not complete`),
	regexp.MustCompile(`(?i)\bFAIL\b.*\b(test|spec)\b`),
}

var errorLinePattern = regexp.MustCompile(`(?i)(error|fail|fatal|exception|cannot|unable)`)

// analyzeFailure classifies the combined output and error text of a failed
// run, in priority order: configured critical patterns, test-only
// signatures, rate limits, then the last error-looking line.
func analyzeFailure(patterns []config.CriticalPattern, combined string) failureAnalysis {
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			log.Printf("[orchestrator] invalid critical pattern %q: %v", p.Pattern, err)
			continue
		}
		if re.MatchString(combined) {
			return failureAnalysis{
				Reason:   p.Label,
				Kind:     models.FailureEnvironment,
				Critical: true,
			}
		}
	}

	for _, re := range testOnlyPatterns {
		if loc := re.FindStringIndex(combined); loc != nil {
			return failureAnalysis{
				Reason: truncateReason(lineAround(combined, loc[0])),
				Kind:   models.FailureTestOnly,
			}
		}
	}

	if agent.IsRateLimitText(combined) {
		return failureAnalysis{RateLimited: true}
	}

	if line := lastErrorLine(combined); line != "" {
		return failureAnalysis{
			Reason: truncateReason(line),
			Kind:   models.FailureImplementation,
		}
	}

	return failureAnalysis{
		Reason: "unknown failure",
		Kind:   models.FailureUnknown,
	}
}

// lastErrorLine returns the last line mentioning an error-like word.
func lastErrorLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && errorLinePattern.MatchString(line) {
			return line
		}
	}
	return ""
}

// lineAround returns the full line containing the byte offset.
func lineAround(text string, offset int) string {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end == -1 {
		end = len(text)
	} else {
		end += offset
	}
	return strings.TrimSpace(text[start:end])
}

func truncateReason(s string) string {
	if len(s) <= maxReasonLength {
		return s
	}
	return s[:maxReasonLength]
}

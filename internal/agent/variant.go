// Package agent runs external coding agents as subprocesses, parses their
// streamed output into normalized messages, classifies failures, and falls
// back between configured agents on rate limits or unavailability.
package agent

import (
	"fmt"
	"regexp"
	"strings"

	"gantry/internal/config"
	"gantry/pkg/models"
)

// promptPlaceholder is substituted into configured argument vectors.
const promptPlaceholder = "{{PROMPT}}"

// variant describes how one supported agent binary is invoked and how its
// rate-limit output is recognized.
type variant struct {
	name models.AgentName
	// command is the default binary name.
	command string
	// buildArgs produces the default argument vector. readOnly requests the
	// agent's restricted, non-editing invocation.
	buildArgs func(prompt string, tools []string, turns int, readOnly bool) []string
	// rateLimitTokens, when non-empty, require an agent-identifying token
	// to co-occur with a rate-limit phrase. Guards against the agent's own
	// output mentioning quotas about something unrelated.
	rateLimitTokens []string
}

var variants = map[models.AgentName]variant{
	models.AgentClaude: {
		name:    models.AgentClaude,
		command: "claude",
		buildArgs: func(prompt string, tools []string, turns int, readOnly bool) []string {
			// The allowlist already restricts read-only runs.
			args := []string{
				"--output-format", "stream-json",
				"--print",
				"--verbose",
				"--allowedTools", strings.Join(tools, ","),
			}
			if turns > 0 {
				args = append(args, "--max-turns", fmt.Sprintf("%d", turns))
			}
			return append(args, "-p", prompt)
		},
	},
	models.AgentCodex: {
		name:    models.AgentCodex,
		command: "codex",
		buildArgs: func(prompt string, tools []string, turns int, readOnly bool) []string {
			args := []string{"exec", "--json", "--skip-git-repo-check"}
			if readOnly {
				args = append(args, "--sandbox", "read-only")
			}
			return append(args, prompt)
		},
		rateLimitTokens: []string{"codex", "openai"},
	},
	models.AgentGemini: {
		name:    models.AgentGemini,
		command: "gemini",
		buildArgs: func(prompt string, tools []string, turns int, readOnly bool) []string {
			args := []string{"--output-format", "json"}
			if !readOnly {
				args = append(args, "--yolo")
			}
			return append(args, "-p", prompt)
		},
		rateLimitTokens: []string{"gemini", "google"},
	},
}

// buildCommand returns the binary and argument vector for one invocation.
// A configured override replaces the defaults entirely; its args have the
// prompt placeholder substituted, or the prompt appended when no arg
// carries the placeholder.
func buildCommand(name models.AgentName, cfg config.AgentConfig, prompt string, tools []string, turns int, readOnly bool) (string, []string, error) {
	v, ok := variants[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown agent %q", name)
	}

	override, hasOverride := cfg.Commands[string(name)]
	if !hasOverride || (override.Command == "" && len(override.Args) == 0) {
		return v.command, v.buildArgs(prompt, tools, turns, readOnly), nil
	}

	bin := override.Command
	if bin == "" {
		bin = v.command
	}

	args := make([]string, 0, len(override.Args)+1)
	substituted := false
	for _, a := range override.Args {
		if strings.Contains(a, promptPlaceholder) {
			a = strings.ReplaceAll(a, promptPlaceholder, prompt)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, prompt)
	}
	return bin, args, nil
}

var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate[ _-]?limit`),
	regexp.MustCompile(`(?i)quota`),
	regexp.MustCompile(`(?i)usage (limit|exceeded)`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)temporarily (unavailable|overloaded)`),
	regexp.MustCompile(`(?i)capacity (limit|exceeded|constraints)`),
}

var unavailablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)executable file not found`),
	regexp.MustCompile(`(?i)no such file or directory`),
	regexp.MustCompile(`ENOENT`),
	regexp.MustCompile(`(?i)not recognized as an internal or external command`),
}

// looksLikeRateLimit reports whether the combined failure text reads as a
// rate limit for the given agent.
func looksLikeRateLimit(name models.AgentName, text string) bool {
	matched := false
	for _, re := range rateLimitPatterns {
		if re.MatchString(text) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	v := variants[name]
	if len(v.rateLimitTokens) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, token := range v.rateLimitTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// IsRateLimitText reports whether text matches any rate-limit phrase,
// without requiring an agent-identifying token. Used by failure analysis
// outside the fallback loop.
func IsRateLimitText(text string) bool {
	for _, re := range rateLimitPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// looksLikeUnavailable reports whether the failure text indicates the agent
// binary is not installed or not on PATH.
func looksLikeUnavailable(text string) bool {
	for _, re := range unavailablePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// fallbackOrder builds the attempt order: the preferred agent first, then
// every configured fallback that is a valid, distinct agent name.
func fallbackOrder(cfg config.AgentConfig) []models.AgentName {
	preferred := models.AgentName(cfg.Preferred)
	if !preferred.Valid() {
		preferred = models.AgentClaude
	}

	order := []models.AgentName{preferred}
	for _, f := range cfg.Fallbacks {
		name := models.AgentName(f)
		if !name.Valid() || name == preferred {
			continue
		}
		duplicate := false
		for _, existing := range order {
			if existing == name {
				duplicate = true
				break
			}
		}
		if !duplicate {
			order = append(order, name)
		}
	}
	return order
}

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gantry/internal/config"
	"gantry/pkg/models"
)

// PromptKind names one of the three prompt templates.
type PromptKind string

const (
	// PromptImplementation drives the implementation agent.
	PromptImplementation PromptKind = "implementation"
	// PromptVerification drives the verification agent.
	PromptVerification PromptKind = "verification"
	// PromptFix drives the fix agent after a failed verification.
	PromptFix PromptKind = "fix"
)

// promptsDir is the project-local directory for prompt template overrides.
const promptsDir = ".gantry/prompts"

// PromptVars are the substitution variables for prompt templates.
type PromptVars struct {
	// Feature is the feature being worked on.
	Feature models.Feature
	// WorkDir is the agent's working directory.
	WorkDir string
	// ProjectRoot is the main repository root.
	ProjectRoot string
	// AppURL is the running application URL, if any.
	AppURL string
	// BaseBranch is the shared branch.
	BaseBranch string
	// InstructionsPath is the agent instructions document.
	InstructionsPath string
	// VerificationOutput is the failing verification tail, for fix prompts.
	VerificationOutput string
}

// BuildPrompt resolves the template for the given kind and substitutes the
// variables. Resolution order: a template file under .gantry/prompts/ in
// the project root, the inline template in configuration, the built-in
// default.
func BuildPrompt(kind PromptKind, cfg *config.Config, projectRoot string, vars PromptVars) string {
	template := resolveTemplate(kind, cfg, projectRoot)
	return substitute(template, vars)
}

func resolveTemplate(kind PromptKind, cfg *config.Config, projectRoot string) string {
	path := filepath.Join(projectRoot, promptsDir, string(kind)+".md")
	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return string(data)
	}

	var inline string
	switch kind {
	case PromptImplementation:
		inline = cfg.Prompts.Implementation
	case PromptVerification:
		inline = cfg.Prompts.Verification
	case PromptFix:
		inline = cfg.Prompts.Fix
	}
	if inline != "" {
		return inline
	}

	switch kind {
	case PromptVerification:
		return defaultVerificationTemplate
	case PromptFix:
		return defaultFixTemplate
	default:
		return defaultImplementationTemplate
	}
}

func substitute(template string, vars PromptVars) string {
	replacer := strings.NewReplacer(
		"{{FEATURE_NAME}}", vars.Feature.Name,
		"{{FEATURE_ID}}", fmt.Sprintf("%d", vars.Feature.ID),
		"{{FEATURE_DESCRIPTION}}", vars.Feature.Description,
		"{{WORKDIR}}", vars.WorkDir,
		"{{PROJECT_ROOT}}", vars.ProjectRoot,
		"{{APP_URL}}", vars.AppURL,
		"{{BASE_BRANCH}}", vars.BaseBranch,
		"{{STEPS}}", numberedSteps(vars.Feature.Steps),
		"{{INSTRUCTIONS_PATH}}", vars.InstructionsPath,
		"{{VERIFICATION_OUTPUT}}", vars.VerificationOutput,
	)
	return replacer.Replace(template)
}

// numberedSteps renders acceptance steps as a numbered list.
func numberedSteps(steps []string) string {
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return strings.TrimRight(b.String(), "\n")
}

const defaultImplementationTemplate = `You are implementing feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

{{FEATURE_DESCRIPTION}}

Acceptance steps:
{{STEPS}}

Working directory: {{WORKDIR}}
Main repository: {{PROJECT_ROOT}}
Application URL: {{APP_URL}}
Base branch: {{BASE_BRANCH}}

Rules:
- Work ONLY inside {{WORKDIR}}. Do not touch files outside it.
- Do NOT install dependencies. Everything you need is already present.
- Read and follow {{INSTRUCTIONS_PATH}}. If it conflicts with anything in
  this prompt, this prompt wins.
- Verify your work with non-browser checks only (tests, curl, CLI output).
  Do not attempt to drive a browser.
- Commit nothing yourself; leave the working tree for the orchestrator.

Implement the feature so every acceptance step passes.`

const defaultVerificationTemplate = `You are verifying feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

{{FEATURE_DESCRIPTION}}

Acceptance steps:
{{STEPS}}

Working directory: {{WORKDIR}}
Application URL: {{APP_URL}}

Rules:
- Do NOT modify any source file. You are auditing, not fixing.
- Do NOT install dependencies.
- Read and follow {{INSTRUCTIONS_PATH}}. If it conflicts with anything in
  this prompt, this prompt wins.
- Check each acceptance step against the running code.

For each step, output exactly one line:
STEP N: PASS - <short evidence>
or
STEP N: FAIL - <what went wrong>

Finish with a single line:
VERDICT: PASS
or
VERDICT: FAIL`

const defaultFixTemplate = `You are fixing feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

{{FEATURE_DESCRIPTION}}

Acceptance steps:
{{STEPS}}

Verification failed with this output:
---
{{VERIFICATION_OUTPUT}}
---

Working directory: {{WORKDIR}}
Base branch: {{BASE_BRANCH}}

Rules:
- Work ONLY inside {{WORKDIR}}. Do not touch files outside it.
- Do NOT install dependencies.
- Read and follow {{INSTRUCTIONS_PATH}}. If it conflicts with anything in
  this prompt, this prompt wins.
- Verify your fix with non-browser checks only.

Fix the failures reported above so every acceptance step passes.`

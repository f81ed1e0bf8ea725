package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gantry/internal/config"
	"gantry/pkg/models"
)

func promptFeature() models.Feature {
	return models.Feature{
		ID:          12,
		Name:        "Password reset",
		Description: "Users can reset a forgotten password by email.",
		Steps:       []string{"request a reset link", "follow the link", "set a new password"},
	}
}

func TestBuildPromptDefaultImplementation(t *testing.T) {
	cfg := config.Default()
	root := t.TempDir()

	prompt := BuildPrompt(PromptImplementation, cfg, root, PromptVars{
		Feature:          promptFeature(),
		WorkDir:          "/work/backend",
		ProjectRoot:      root,
		BaseBranch:       "main",
		InstructionsPath: "AGENTS.md",
	})

	for _, want := range []string{
		"feature #12: Password reset",
		"1. request a reset link",
		"3. set a new password",
		"/work/backend",
		"Do NOT install dependencies",
		"non-browser checks only",
		"this prompt wins",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "{{") {
		t.Errorf("prompt has unsubstituted placeholders:\n%s", prompt)
	}
}

func TestBuildPromptFileOverrideWins(t *testing.T) {
	cfg := config.Default()
	cfg.Prompts.Verification = "inline template for {{FEATURE_NAME}}"
	root := t.TempDir()

	dir := filepath.Join(root, promptsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "verification.md"), []byte("file template for {{FEATURE_NAME}}"), 0644); err != nil {
		t.Fatal(err)
	}

	prompt := BuildPrompt(PromptVerification, cfg, root, PromptVars{Feature: promptFeature()})
	if prompt != "file template for Password reset" {
		t.Errorf("prompt = %q, want the file template", prompt)
	}
}

func TestBuildPromptInlineOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Prompts.Fix = "fix {{FEATURE_NAME}} given {{VERIFICATION_OUTPUT}}"

	prompt := BuildPrompt(PromptFix, cfg, t.TempDir(), PromptVars{
		Feature:            promptFeature(),
		VerificationOutput: "STEP 2: FAIL",
	})
	if prompt != "fix Password reset given STEP 2: FAIL" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestBuildPromptDefaultVerificationMandatesStepLines(t *testing.T) {
	prompt := BuildPrompt(PromptVerification, config.Default(), t.TempDir(), PromptVars{Feature: promptFeature()})

	for _, want := range []string{"STEP N: PASS", "STEP N: FAIL", "VERDICT: PASS", "VERDICT: FAIL", "Do NOT modify any source file"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("verification prompt missing %q", want)
		}
	}
}

func TestBuildPromptDefaultFixIncludesOutput(t *testing.T) {
	prompt := BuildPrompt(PromptFix, config.Default(), t.TempDir(), PromptVars{
		Feature:            promptFeature(),
		VerificationOutput: "STEP 1: FAIL - broken",
	})
	if !strings.Contains(prompt, "STEP 1: FAIL - broken") {
		t.Error("fix prompt missing verification output")
	}
}

func TestNumberedSteps(t *testing.T) {
	got := numberedSteps([]string{"one", "two"})
	if got != "1. one\n2. two" {
		t.Errorf("numberedSteps = %q", got)
	}
	if numberedSteps(nil) != "" {
		t.Error("no steps should render empty")
	}
}

// Package config handles project configuration for Gantry. Configuration
// lives in a project-local gantry.json; missing fields take defaults, and
// saving rewrites the file verbatim with pretty printing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"gantry/pkg/models"
)

// FileName is the well-known config file name inside the project root.
const FileName = "gantry.json"

// Config holds all configuration for a Gantry project.
type Config struct {
	// ProjectName is the human-readable project name.
	ProjectName string `json:"project_name" mapstructure:"project_name"`
	// BaseBranch is the shared branch feature branches merge back into.
	BaseBranch string `json:"base_branch" mapstructure:"base_branch"`
	// FeaturesPath is the feature-list file, relative to the project root.
	FeaturesPath string `json:"features_path" mapstructure:"features_path"`
	// ProgressLogPath is the progress log, relative to the project root.
	ProgressLogPath string `json:"progress_log_path" mapstructure:"progress_log_path"`
	// InstructionsPath is the agent instructions document.
	InstructionsPath string `json:"instructions_path" mapstructure:"instructions_path"`
	// AppURL is the running application URL handed to agents.
	AppURL string `json:"app_url,omitempty" mapstructure:"app_url"`

	// Tracks lists the configured track definitions.
	Tracks []models.TrackDefinition `json:"tracks,omitempty" mapstructure:"tracks"`
	// TracksConfigured records whether the setup handshake has completed.
	TracksConfigured bool `json:"tracks_configured" mapstructure:"tracks_configured"`

	// Worktrees holds working-copy policies.
	Worktrees WorktreeConfig `json:"worktrees" mapstructure:"worktrees"`
	// CriticalPatterns are regex/label pairs that classify environment failures.
	CriticalPatterns []CriticalPattern `json:"critical_patterns,omitempty" mapstructure:"critical_patterns"`
	// Prompts holds optional inline prompt template overrides.
	Prompts PromptsConfig `json:"prompts,omitempty" mapstructure:"prompts"`
	// Agent holds agent selection and invocation settings.
	Agent AgentConfig `json:"agent" mapstructure:"agent"`
	// Verification holds merge-and-verify settings.
	Verification VerificationConfig `json:"verification" mapstructure:"verification"`
}

// WorktreeConfig holds working-copy policies.
type WorktreeConfig struct {
	// Dir is the directory under the project root that holds per-track
	// working copies.
	Dir string `json:"dir" mapstructure:"dir"`
	// SymlinkDirs are directories symlinked from each working copy back to
	// the project root (dependency trees that must not be copied).
	SymlinkDirs []string `json:"symlink_dirs,omitempty" mapstructure:"symlink_dirs"`
	// CopyFiles are files copied into each working copy after setup.
	CopyFiles []string `json:"copy_files,omitempty" mapstructure:"copy_files"`
	// PreserveFiles are paths whose bytes must survive every git operation.
	PreserveFiles []string `json:"preserve_files,omitempty" mapstructure:"preserve_files"`
	// SetupScript is the name of the generated setup script, if any.
	SetupScript string `json:"setup_script,omitempty" mapstructure:"setup_script"`
	// Docker enables container-integration setup script generation.
	Docker DockerConfig `json:"docker,omitempty" mapstructure:"docker"`
}

// DockerConfig holds container integration fields.
type DockerConfig struct {
	// Enabled turns on setup-script generation for containerized runs.
	Enabled bool `json:"enabled,omitempty" mapstructure:"enabled"`
	// ComposeFile is the compose file mounted into the working copy.
	ComposeFile string `json:"compose_file,omitempty" mapstructure:"compose_file"`
	// Service is the compose service that hosts the working copy.
	Service string `json:"service,omitempty" mapstructure:"service"`
}

// CriticalPattern is a configured regex that classifies a failure as
// environmental and counts toward the per-track circuit breaker.
type CriticalPattern struct {
	// Pattern is the regex matched against combined agent output.
	Pattern string `json:"pattern" mapstructure:"pattern"`
	// Label is the human-readable failure reason.
	Label string `json:"label" mapstructure:"label"`
}

// PromptsConfig holds inline prompt template overrides. Empty fields fall
// back to a prompt file in .gantry/prompts/, then to the built-in default.
type PromptsConfig struct {
	Implementation string `json:"implementation,omitempty" mapstructure:"implementation"`
	Verification   string `json:"verification,omitempty" mapstructure:"verification"`
	Fix            string `json:"fix,omitempty" mapstructure:"fix"`
}

// AgentCommand overrides the command line for one agent.
type AgentCommand struct {
	// Command is the binary name.
	Command string `json:"command,omitempty" mapstructure:"command"`
	// Args is the argument vector; a {{PROMPT}} placeholder is substituted,
	// otherwise the prompt is appended.
	Args []string `json:"args,omitempty" mapstructure:"args"`
}

// AgentConfig holds agent selection and invocation settings.
type AgentConfig struct {
	// Preferred is the agent tried first.
	Preferred string `json:"preferred" mapstructure:"preferred"`
	// Fallbacks are tried in order on rate limit or unavailability.
	Fallbacks []string `json:"fallbacks,omitempty" mapstructure:"fallbacks"`
	// Commands holds per-agent command/arg overrides keyed by agent name.
	Commands map[string]AgentCommand `json:"commands,omitempty" mapstructure:"commands"`
	// ImplementationTurns is the turn limit for implementation and fix runs.
	ImplementationTurns int `json:"implementation_turns" mapstructure:"implementation_turns"`
	// VerificationTurns is the turn limit for verification runs.
	VerificationTurns int `json:"verification_turns" mapstructure:"verification_turns"`
	// Tools is the tool allowlist for implementation and fix runs.
	Tools []string `json:"tools,omitempty" mapstructure:"tools"`
	// VerificationTools is the restricted allowlist for verification runs.
	VerificationTools []string `json:"verification_tools,omitempty" mapstructure:"verification_tools"`
	// RateLimitWaitMs is how long to wait when every agent is rate-limited.
	RateLimitWaitMs int `json:"rate_limit_wait_ms" mapstructure:"rate_limit_wait_ms"`
	// DependencyDirs are directories whose bin-like subdirectories are
	// appended to PATH for spawned agents.
	DependencyDirs []string `json:"dependency_dirs,omitempty" mapstructure:"dependency_dirs"`
}

// RateLimitWait returns the rate-limit wait as a duration.
func (a AgentConfig) RateLimitWait() time.Duration {
	return time.Duration(a.RateLimitWaitMs) * time.Millisecond
}

// VerificationConfig holds merge-and-verify settings.
type VerificationConfig struct {
	// MaxAttempts is the number of verify/fix cycles per feature.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`
	// DelayMs is the propagation delay before spawning the verifier.
	DelayMs int `json:"delay_ms" mapstructure:"delay_ms"`
	// Disabled skips verification entirely; merge alone marks passed.
	Disabled bool `json:"disabled" mapstructure:"disabled"`
}

// Delay returns the propagation delay as a duration.
func (v VerificationConfig) Delay() time.Duration {
	return time.Duration(v.DelayMs) * time.Millisecond
}

// Path returns the config file path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, FileName)
}

// Load reads the project config, applying defaults for missing fields.
// A missing or malformed file is a fatal configuration error; the caller
// should direct the user to the initialization tooling.
func Load(projectRoot string) (*Config, error) {
	path := Path(projectRoot)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s not found (run your project init first): %w", path, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save writes the config back to the project root, pretty-printed.
func Save(projectRoot string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(Path(projectRoot), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// setDefaults configures default values for every optional field.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project_name", "project")
	v.SetDefault("base_branch", "main")
	v.SetDefault("features_path", "features.json")
	v.SetDefault("progress_log_path", "claude-progress.txt")
	v.SetDefault("instructions_path", "AGENTS.md")

	v.SetDefault("worktrees.dir", ".gantry/worktrees")

	v.SetDefault("agent.preferred", "claude")
	v.SetDefault("agent.fallbacks", []string{"codex", "gemini"})
	v.SetDefault("agent.implementation_turns", 80)
	v.SetDefault("agent.verification_turns", 30)
	v.SetDefault("agent.tools", []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"})
	v.SetDefault("agent.verification_tools", []string{"Read", "Bash", "Glob", "Grep"})
	v.SetDefault("agent.rate_limit_wait_ms", int(15*time.Minute/time.Millisecond))

	v.SetDefault("verification.max_attempts", 3)
	v.SetDefault("verification.delay_ms", 5000)
	v.SetDefault("verification.disabled", false)
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		ProjectName:      "project",
		BaseBranch:       "main",
		FeaturesPath:     "features.json",
		ProgressLogPath:  "claude-progress.txt",
		InstructionsPath: "AGENTS.md",
		Worktrees: WorktreeConfig{
			Dir: ".gantry/worktrees",
		},
		Agent: AgentConfig{
			Preferred:           "claude",
			Fallbacks:           []string{"codex", "gemini"},
			ImplementationTurns: 80,
			VerificationTurns:   30,
			Tools:               []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"},
			VerificationTools:   []string{"Read", "Bash", "Glob", "Grep"},
			RateLimitWaitMs:     int(15 * time.Minute / time.Millisecond),
		},
		Verification: VerificationConfig{
			MaxAttempts: 3,
			DelayMs:     5000,
		},
	}
}

package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gantry/internal/config"
	"gantry/internal/git"
	"gantry/pkg/models"
)

// rateLimitPollInterval is how often the stop predicate is checked while
// waiting out a rate limit.
const rateLimitPollInterval = time.Second

// Request describes one agent invocation.
type Request struct {
	// Prompt is the full prompt text.
	Prompt string
	// Dir is the working directory the agent runs in.
	Dir string
	// Tools is the tool allowlist.
	Tools []string
	// Turns is the turn limit, zero for the agent default.
	Turns int
	// ReadOnly requests each agent's restricted, non-editing invocation.
	// Verification runs set it so no agent can mutate the repository.
	ReadOnly bool
	// Stop is polled while the agent runs and while waiting out rate
	// limits; true requests termination.
	Stop func() bool
	// OnMessage receives each parsed message as it streams.
	OnMessage func(models.AgentMessage)
}

// Result is the outcome of an invocation, after any fallbacks.
type Result struct {
	// Success is true when an agent exited cleanly.
	Success bool
	// Output is the concatenated textual output of the last attempt.
	Output string
	// Messages are the parsed messages of every attempt, in order.
	Messages []models.AgentMessage
	// Error is the failure description when Success is false.
	Error string
	// StderrTail is the tail of the last attempt's standard error.
	StderrTail string
	// RefinedOutput and RefinedError carry the last attempt's output and
	// error for failure analysis.
	RefinedOutput string
	RefinedError  string
	// AgentUsed is the agent that ran last.
	AgentUsed models.AgentName
}

// Executor runs agents with rate-limit and unavailability fallback.
type Executor struct {
	cfg         *config.Config
	projectRoot string
	git         git.Runner
	spawn       spawner
}

// NewExecutor creates an Executor for a project. The git runner is used for
// repository-state snapshots when handing a prompt to a fallback agent.
func NewExecutor(cfg *config.Config, projectRoot string, g git.Runner) *Executor {
	return &Executor{
		cfg:         cfg,
		projectRoot: projectRoot,
		git:         g,
		spawn:       execSpawner{},
	}
}

// ExecuteSession runs the implementation agent inside the working copy with
// the full tool set.
func (e *Executor) ExecuteSession(ctx context.Context, feature models.Feature, worktree, extraContext string, stop func() bool, onMessage func(models.AgentMessage)) Result {
	prompt := BuildPrompt(PromptImplementation, e.cfg, e.projectRoot, e.promptVars(feature, worktree))
	if extraContext != "" {
		prompt += "\n\nAdditional context from the operator:\n" + extraContext
	}
	return e.Execute(ctx, Request{
		Prompt:    prompt,
		Dir:       worktree,
		Tools:     e.cfg.Agent.Tools,
		Turns:     e.cfg.Agent.ImplementationTurns,
		Stop:      stop,
		OnMessage: onMessage,
	})
}

// ExecuteVerification runs the verification agent in the project root with
// the restricted tool set and the verification turn limit.
func (e *Executor) ExecuteVerification(ctx context.Context, feature models.Feature, stop func() bool, onMessage func(models.AgentMessage)) Result {
	prompt := BuildPrompt(PromptVerification, e.cfg, e.projectRoot, e.promptVars(feature, e.projectRoot))
	return e.Execute(ctx, Request{
		Prompt:    prompt,
		Dir:       e.projectRoot,
		Tools:     e.cfg.Agent.VerificationTools,
		Turns:     e.cfg.Agent.VerificationTurns,
		ReadOnly:  true,
		Stop:      stop,
		OnMessage: onMessage,
	})
}

// ExecuteFix runs the fix agent inside the working copy, with the tail of
// the failing verification output in its prompt.
func (e *Executor) ExecuteFix(ctx context.Context, feature models.Feature, worktree, verificationOutput string, stop func() bool, onMessage func(models.AgentMessage)) Result {
	vars := e.promptVars(feature, worktree)
	vars.VerificationOutput = tail(verificationOutput, 3000)
	prompt := BuildPrompt(PromptFix, e.cfg, e.projectRoot, vars)
	return e.Execute(ctx, Request{
		Prompt:    prompt,
		Dir:       worktree,
		Tools:     e.cfg.Agent.Tools,
		Turns:     e.cfg.Agent.ImplementationTurns,
		Stop:      stop,
		OnMessage: onMessage,
	})
}

func (e *Executor) promptVars(feature models.Feature, workDir string) PromptVars {
	return PromptVars{
		Feature:          feature,
		WorkDir:          workDir,
		ProjectRoot:      e.projectRoot,
		AppURL:           e.cfg.AppURL,
		BaseBranch:       e.cfg.BaseBranch,
		InstructionsPath: e.cfg.InstructionsPath,
	}
}

// attempt is the raw outcome of one subprocess run.
type attempt struct {
	agent    models.AgentName
	output   string
	messages []models.AgentMessage
	stderr   string
	errText  string
	failed   bool
}

// Execute runs the request against the preferred agent, falling back
// through the configured order on rate limits and unavailability.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	order := fallbackOrder(e.cfg.Agent)
	limited := make(map[models.AgentName]bool)
	unavailable := make(map[models.AgentName]bool)

	var allMessages []models.AgentMessage
	record := func(msg models.AgentMessage) {
		allMessages = append(allMessages, msg)
		if req.OnMessage != nil {
			req.OnMessage(msg)
		}
	}

	idx := 0
	prompt := req.Prompt

	for {
		name := order[idx]
		att := e.runOnce(ctx, name, prompt, req)
		allMessages = append(allMessages, att.messages...)

		if !att.failed {
			return Result{
				Success:       true,
				Output:        att.output,
				Messages:      allMessages,
				StderrTail:    tail(att.stderr, 1000),
				RefinedOutput: att.output,
				AgentUsed:     name,
			}
		}

		combined := att.output + "\n" + att.stderr + "\n" + att.errText
		switch {
		case looksLikeUnavailable(combined):
			log.Printf("[agent] %s unavailable, looking for fallback", name)
			unavailable[name] = true
			if next := nextAgent(order, idx, limited, unavailable); next >= 0 {
				record(switchMessage(name, "is not available", order[next]))
				idx = next
				continue
			}
			if len(limited) > 0 {
				if !e.waitRateLimit(req.Stop) {
					return failureResult(att, allMessages, "stopped while waiting out rate limit")
				}
				limited = make(map[models.AgentName]bool)
				idx = 0
				prompt = req.Prompt
				continue
			}
			return failureResult(att, allMessages, fmt.Sprintf("agent %s unavailable and no fallback remains: %s", name, att.errText))

		case looksLikeRateLimit(name, combined):
			log.Printf("[agent] %s rate limited, looking for fallback", name)
			limited[name] = true
			if next := nextAgent(order, idx, limited, unavailable); next >= 0 {
				record(switchMessage(name, "hit a rate limit", order[next]))
				prompt = req.Prompt + e.handoffContext(att, req.Dir)
				idx = next
				continue
			}
			if !e.waitRateLimit(req.Stop) {
				return failureResult(att, allMessages, "stopped while waiting out rate limit")
			}
			limited = make(map[models.AgentName]bool)
			idx = 0
			prompt = req.Prompt
			continue

		default:
			return failureResult(att, allMessages, fmt.Sprintf("agent %s failed: %s", name, att.errText))
		}
	}
}

// runOnce runs a single subprocess attempt and collects its stream.
func (e *Executor) runOnce(ctx context.Context, name models.AgentName, prompt string, req Request) attempt {
	att := attempt{agent: name}

	bin, args, err := buildCommand(name, e.cfg.Agent, prompt, req.Tools, req.Turns, req.ReadOnly)
	if err != nil {
		att.failed = true
		att.errText = err.Error()
		return att
	}

	var mu sync.Mutex
	var output strings.Builder

	stderr, runErr := e.spawn.Spawn(ctx, spawnSpec{
		Bin:           bin,
		Args:          args,
		Dir:           req.Dir,
		ExtraPathDirs: binPathDirs(e.cfg.Agent.DependencyDirs, []string{req.Dir, e.projectRoot}),
		Stop:          req.Stop,
		OnLine: func(line []byte) {
			for _, msg := range parseLine(name, line, time.Now()) {
				mu.Lock()
				att.messages = append(att.messages, msg)
				if msg.Content != "" {
					output.WriteString(msg.Content)
					output.WriteByte('\n')
				}
				if msg.ToolResult != "" {
					output.WriteString(msg.ToolResult)
					output.WriteByte('\n')
				}
				mu.Unlock()
				if req.OnMessage != nil {
					req.OnMessage(msg)
				}
			}
		},
	})

	mu.Lock()
	att.output = output.String()
	mu.Unlock()
	att.stderr = stderr
	if runErr != nil {
		att.failed = true
		att.errText = runErr.Error()
	}
	return att
}

// switchMessage is the system message recorded in the session conversation
// when work moves from one agent to another mid-request.
func switchMessage(from models.AgentName, cause string, to models.AgentName) models.AgentMessage {
	return models.AgentMessage{
		Kind:      models.MessageSystem,
		Timestamp: time.Now(),
		Agent:     models.AgentSystem,
		Content:   fmt.Sprintf("agent %s %s, continuing with %s", from, cause, to),
	}
}

// nextAgent returns the index of the next usable agent after current,
// wrapping around the order, or -1 when none remains.
func nextAgent(order []models.AgentName, current int, limited, unavailable map[models.AgentName]bool) int {
	for offset := 1; offset < len(order); offset++ {
		i := (current + offset) % len(order)
		if !limited[order[i]] && !unavailable[order[i]] {
			return i
		}
	}
	return -1
}

// waitRateLimit sleeps the configured rate-limit delay, polling the stop
// predicate. Returns false when stopped before the delay elapsed.
func (e *Executor) waitRateLimit(stop func() bool) bool {
	wait := e.cfg.Agent.RateLimitWait()
	log.Printf("[agent] all agents rate limited, waiting %s", wait)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if stop != nil && stop() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining > rateLimitPollInterval {
			remaining = rateLimitPollInterval
		}
		time.Sleep(remaining)
	}
	return true
}

// handoffContext builds the compact context appended to the prompt when a
// rate-limited agent hands work to a fallback agent.
func (e *Executor) handoffContext(att attempt, dir string) string {
	var b strings.Builder
	b.WriteString("\n\nA previous agent already started this work and was interrupted.\n")

	if out := tail(att.output, 2000); out != "" {
		b.WriteString("\nIts recent output:\n---\n")
		b.WriteString(out)
		b.WriteString("\n---\n")
	}
	if errText := tail(att.errText, 1000); errText != "" {
		b.WriteString("\nIts error:\n---\n")
		b.WriteString(errText)
		b.WriteString("\n---\n")
	}
	if snapshot := e.repoSnapshot(dir); snapshot != "" {
		b.WriteString("\nRepository state:\n---\n")
		b.WriteString(snapshot)
		b.WriteString("\n---\n")
	}
	b.WriteString("\nContinue from where it left off.")
	return b.String()
}

// repoSnapshot summarizes the working copy: porcelain status, diff summary,
// last commit.
func (e *Executor) repoSnapshot(dir string) string {
	if e.git == nil {
		return ""
	}

	var parts []string
	if status, err := e.git.RunIn(dir, "status", "--porcelain"); err == nil && status != "" {
		parts = append(parts, "Changed files:\n"+tail(status, 1000))
	}
	if diff, err := e.git.RunIn(dir, "diff", "--stat"); err == nil && diff != "" {
		parts = append(parts, "Diff summary:\n"+tail(diff, 1000))
	}
	if last, err := e.git.RunIn(dir, "log", "-1", "--oneline"); err == nil && last != "" {
		parts = append(parts, "Last commit: "+last)
	}
	return strings.Join(parts, "\n")
}

// failureResult builds the failed Result from the last attempt.
func failureResult(att attempt, messages []models.AgentMessage, errText string) Result {
	return Result{
		Success:       false,
		Output:        att.output,
		Messages:      messages,
		Error:         errText,
		StderrTail:    tail(att.stderr, 1000),
		RefinedOutput: att.output,
		RefinedError:  att.errText,
		AgentUsed:     att.agent,
	}
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

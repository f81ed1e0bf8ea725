package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeSetupScript generates the container setup script inside the working
// copy and adds its name to the repository's local ignore list so agents do
// not commit it.
func (m *Manager) writeSetupScript(worktreePath string) error {
	script := m.renderSetupScript()
	path := filepath.Join(worktreePath, m.cfg.SetupScript)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return fmt.Errorf("write setup script: %w", err)
	}
	return m.excludeLocally(m.cfg.SetupScript)
}

// renderSetupScript builds the script from the docker integration fields.
func (m *Manager) renderSetupScript() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# Generated by gantry; do not commit.\n")
	b.WriteString("set -e\n\n")

	if m.cfg.Docker.ComposeFile != "" {
		fmt.Fprintf(&b, "COMPOSE_FILE=%q\n", m.cfg.Docker.ComposeFile)
		if m.cfg.Docker.Service != "" {
			fmt.Fprintf(&b, "docker compose -f \"$COMPOSE_FILE\" up -d %s\n", m.cfg.Docker.Service)
		} else {
			b.WriteString("docker compose -f \"$COMPOSE_FILE\" up -d\n")
		}
	}

	for _, dir := range m.cfg.SymlinkDirs {
		// Symlinked dependency dirs resolve relatively; verify they exist
		// inside the container mount before the agent starts.
		fmt.Fprintf(&b, "[ -e %q ] || echo \"warning: %s is missing\" >&2\n", dir, dir)
	}

	return b.String()
}

// excludeLocally appends a name to .git/info/exclude if not already present.
func (m *Manager) excludeLocally(name string) error {
	excludePath := filepath.Join(m.projectRoot, ".git", "info", "exclude")
	data, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read exclude file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == name {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return fmt.Errorf("create exclude dir: %w", err)
	}
	out := string(data)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += name + "\n"
	if err := os.WriteFile(excludePath, []byte(out), 0644); err != nil {
		return fmt.Errorf("write exclude file: %w", err)
	}
	return nil
}

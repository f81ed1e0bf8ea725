package workspace

import (
	"log"
	"os"
	"path/filepath"
)

// preservedFile holds the pre-operation bytes of one preserved path.
// A nil Data records that the file did not exist.
type preservedFile struct {
	Path string
	Data []byte
	Mode os.FileMode
}

// snapshotPreserved reads every preserved file's bytes into memory.
func (m *Manager) snapshotPreserved() []preservedFile {
	var snap []preservedFile
	for _, rel := range m.cfg.PreserveFiles {
		path := filepath.Join(m.projectRoot, rel)
		info, err := os.Stat(path)
		if err != nil {
			snap = append(snap, preservedFile{Path: path})
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[workspace] snapshot %s: %v", rel, err)
			snap = append(snap, preservedFile{Path: path})
			continue
		}
		snap = append(snap, preservedFile{Path: path, Data: data, Mode: info.Mode()})
	}
	return snap
}

// restorePreserved writes the snapshotted bytes back to disk.
func restorePreserved(snap []preservedFile) {
	for _, f := range snap {
		if f.Data == nil {
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(f.Path, f.Data, mode); err != nil {
			log.Printf("[workspace] restore %s: %v", f.Path, err)
		}
	}
}

// withPreserved runs a git operation bracketed by the preserve discipline:
// snapshot preserved bytes, revert working-tree changes to those paths so
// the operation sees a clean tree, run the operation, rewrite the bytes.
// The bytes are restored even when the operation aborts.
func (m *Manager) withPreserved(op func() error) error {
	snap := m.snapshotPreserved()
	defer restorePreserved(snap)

	for _, rel := range m.cfg.PreserveFiles {
		if err := m.git.CheckoutPath(rel); err != nil {
			// Untracked preserved files have nothing to revert.
			continue
		}
	}

	return op()
}

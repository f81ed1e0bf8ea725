package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gantry/internal/lockfile"
)

// appendProgress appends one line per terminal feature outcome to the
// configured progress log. The log is typically a preserved file, so other
// components may read or rewrite it concurrently; the file lock covers the
// append.
func (o *Orchestrator) appendProgress(featureID int, outcome string) {
	if o.cfg.ProgressLogPath == "" {
		return
	}

	path := filepath.Join(o.projectRoot, o.cfg.ProgressLogPath)
	lock := lockfile.New(path)
	err := lock.WithLock(func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(f, "[%s] feature #%d: %s\n", time.Now().Format(time.RFC3339), featureID, outcome); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		log.Printf("[orchestrator] append progress for feature %d: %v", featureID, err)
	}
}

package features

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher republishes external edits to the feature file. The orchestrator
// writes the file too, so consumers should treat notifications as "reload",
// not as a diff.
type Watcher struct {
	store    *Store
	onChange func()
	debounce time.Duration

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates a Watcher that invokes onChange after the feature file
// is written or recreated. Events are debounced because editors and atomic
// renames produce bursts.
func NewWatcher(store *Store, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: atomic renames replace the inode, which would
	// silently drop a watch on the file itself.
	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// loop coalesces bursts of events into single onChange calls.
func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[features] watcher error: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.onChange()
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

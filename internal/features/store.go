// Package features persists the feature list the orchestrator works
// through. The backing file is UTF-8 JSON in one of two forms: a bare array
// of features or an object with a "features" array. Writers preserve
// whichever form was read. Every read and write runs under a cross-process
// file lock.
package features

import (
	"encoding/json"
	"fmt"
	"os"

	"gantry/internal/lockfile"
	"gantry/pkg/models"
)

// Store loads and updates the persistent feature list.
type Store struct {
	path string
	lock *lockfile.FileLock
}

// wrappedFile is the object form of the feature file.
type wrappedFile struct {
	Features []models.Feature `json:"features"`
}

// NewStore creates a Store for the feature file at path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: lockfile.New(path),
	}
}

// Path returns the path to the feature file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the complete feature list.
func (s *Store) Load() ([]models.Feature, error) {
	var feats []models.Feature
	err := s.lock.WithLock(func() error {
		var err error
		feats, _, err = s.read()
		return err
	})
	return feats, err
}

// Get returns the feature with the given id, or an error if absent.
func (s *Store) Get(id int) (*models.Feature, error) {
	feats, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range feats {
		if feats[i].ID == id {
			return &feats[i], nil
		}
	}
	return nil, fmt.Errorf("feature %d not found", id)
}

// UpdateStatus sets the status of a feature. Failure fields are cleared when
// the status becomes passed or open and set when it becomes failed. Progress
// overwrites the stored summary when non-empty.
func (s *Store) UpdateStatus(id int, status models.FeatureStatus, failureReason string, failureKind models.FailureKind, progress string) error {
	return s.lock.WithLock(func() error {
		feats, wrapped, err := s.read()
		if err != nil {
			return err
		}

		idx := -1
		for i := range feats {
			if feats[i].ID == id {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("feature %d not found", id)
		}

		f := &feats[idx]
		f.Status = status
		switch status {
		case models.FeatureStatusPassed, models.FeatureStatusOpen:
			f.FailureReason = ""
			f.FailureKind = ""
		case models.FeatureStatusFailed:
			f.FailureReason = failureReason
			f.FailureKind = failureKind
		}
		if progress != "" {
			f.Progress = progress
		}

		return s.write(feats, wrapped)
	})
}

// read parses the feature file and reports whether it used the wrapped form.
func (s *Store) read() ([]models.Feature, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("read feature file: %w", err)
	}

	var bare []models.Feature
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, false, nil
	}

	var wrapped wrappedFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, false, fmt.Errorf("parse feature file %s: %w", s.path, err)
	}
	return wrapped.Features, true, nil
}

// write serializes the feature list back in the form it was read in.
// The file is written atomically via a temp file rename.
func (s *Store) write(feats []models.Feature, wrapped bool) error {
	var (
		data []byte
		err  error
	)
	if wrapped {
		data, err = json.MarshalIndent(wrappedFile{Features: feats}, "", "  ")
	} else {
		data, err = json.MarshalIndent(feats, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write feature file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace feature file: %w", err)
	}
	return nil
}

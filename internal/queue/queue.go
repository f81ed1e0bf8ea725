// Package queue routes features to tracks and holds the three-tier
// per-track priority queues: resume, then retry, then main.
package queue

import (
	"sort"
	"sync"

	"gantry/pkg/models"
)

// trackQueues holds the three ordered queues for one track.
type trackQueues struct {
	resume []models.QueueItem
	retry  []models.QueueItem
	main   []models.QueueItem
}

// Status reports the queue depths for one track.
type Status struct {
	Main   int
	Retry  int
	Resume int
}

// Total returns the combined depth of all three queues.
func (s Status) Total() int {
	return s.Main + s.Retry + s.Resume
}

// Manager owns all track queues. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	tracks []models.TrackDefinition
	queues map[string]*trackQueues
}

// NewManager creates a Manager for the given track definitions.
func NewManager(tracks []models.TrackDefinition) *Manager {
	m := &Manager{
		tracks: tracks,
		queues: make(map[string]*trackQueues, len(tracks)),
	}
	for _, t := range tracks {
		m.queues[t.Name] = &trackQueues{}
	}
	return m
}

// Initialize clears all queues and inserts every open feature, sorted by
// ascending id, into the main queue of the track routing chooses.
func (m *Manager) Initialize(features []models.Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		q.resume = nil
		q.retry = nil
		q.main = nil
	}

	open := make([]models.Feature, 0, len(features))
	for _, f := range features {
		if f.Status == models.FeatureStatusOpen {
			open = append(open, f)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	for _, f := range open {
		track := m.routeLocked(f)
		m.queues[track].main = append(m.queues[track].main, models.QueueItem{FeatureID: f.ID})
	}
}

// Dequeue returns the next item for a track: resume first, then retry,
// then main, FIFO within each. ok is false when all queues are empty.
func (m *Manager) Dequeue(track string) (models.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, found := m.queues[track]
	if !found {
		return models.QueueItem{}, false
	}

	switch {
	case len(q.resume) > 0:
		item := q.resume[0]
		q.resume = q.resume[1:]
		return item, true
	case len(q.retry) > 0:
		item := q.retry[0]
		q.retry = q.retry[1:]
		return item, true
	case len(q.main) > 0:
		item := q.main[0]
		q.main = q.main[1:]
		return item, true
	}
	return models.QueueItem{}, false
}

// EnqueueRetry pushes a feature onto the track's retry queue.
func (m *Manager) EnqueueRetry(featureID int, track, extraContext, previousSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, found := m.queues[track]
	if !found {
		return
	}
	q.retry = append(q.retry, models.QueueItem{
		FeatureID:         featureID,
		Retry:             true,
		ExtraContext:      extraContext,
		PreviousSessionID: previousSessionID,
	})
}

// EnqueueResume pushes a feature onto the track's resume queue.
func (m *Manager) EnqueueResume(featureID int, track, extraContext, previousSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, found := m.queues[track]
	if !found {
		return
	}
	q.resume = append(q.resume, models.QueueItem{
		FeatureID:         featureID,
		Resume:            true,
		ExtraContext:      extraContext,
		PreviousSessionID: previousSessionID,
	})
}

// Route returns the track a feature belongs to: the first track whose
// category list contains the feature's category, otherwise the default
// track, otherwise the first track.
func (m *Manager) Route(f models.Feature) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routeLocked(f)
}

func (m *Manager) routeLocked(f models.Feature) string {
	for _, t := range m.tracks {
		if t.Accepts(f.Category) {
			return t.Name
		}
	}
	for _, t := range m.tracks {
		if t.Default {
			return t.Name
		}
	}
	return m.tracks[0].Name
}

// GetStatus returns the queue depths for a track.
func (m *Manager) GetStatus(track string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, found := m.queues[track]
	if !found {
		return Status{}
	}
	return Status{
		Main:   len(q.main),
		Retry:  len(q.retry),
		Resume: len(q.resume),
	}
}

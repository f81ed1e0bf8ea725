// Package events fans orchestrator events out to observers. Publishing
// never blocks: each subscriber has its own pump goroutine draining a
// per-subscriber queue, so a slow observer cannot delay the scheduler.
// The live agent-output topic is bounded with drop-oldest; every other
// topic queues without loss.
package events

import (
	"sync"
	"time"

	"gantry/pkg/models"
)

// Topic identifies an event stream.
type Topic string

const (
	// TopicStatus carries orchestrator status snapshots.
	TopicStatus Topic = "orchestrator:status"
	// TopicSessionStarted fires when a session record is created.
	TopicSessionStarted Topic = "session:started"
	// TopicSessionFinished fires when a session reaches a terminal status.
	TopicSessionFinished Topic = "session:finished"
	// TopicFeatureUpdated fires when a feature's stored state changes.
	TopicFeatureUpdated Topic = "feature:updated"
	// TopicAgentOutput streams parsed agent messages with their session id.
	TopicAgentOutput Topic = "agent:output"
	// TopicCriticalFailure alerts that a track tripped the circuit breaker.
	TopicCriticalFailure Topic = "track:critical_failure"
	// TopicNewCategories reports categories no configured track covers.
	TopicNewCategories Topic = "tracks:new_categories"
)

// Event is one published notification. Only the fields relevant to the
// topic are populated.
type Event struct {
	// Topic is the stream this event belongs to.
	Topic Topic
	// Timestamp is when the event was published.
	Timestamp time.Time

	// State is the orchestrator state for status snapshots.
	State models.OrchestratorState
	// Tracks carries per-track runtime status for status snapshots.
	Tracks []models.TrackStatus
	// SessionID identifies the session for session and output events.
	SessionID string
	// Session carries the session record for session events.
	Session *models.Session
	// FeatureID identifies the feature for feature events.
	FeatureID int
	// Track names the track for critical-failure alerts.
	Track string
	// Message is the streamed agent message for output events.
	Message *models.AgentMessage
	// Categories lists newly detected categories.
	Categories []string
	// Reason carries human-readable context for alerts.
	Reason string
}

// agentOutputBuffer bounds the live-output queue per subscriber. Status and
// session events are never dropped.
const agentOutputBuffer = 1024

// Subscription receives events for the topics it was subscribed to.
type Subscription struct {
	bus    *Bus
	topics map[Topic]bool
	ch     chan Event
	done   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	dropped uint64
	closed  bool
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer for the given topics. Subscribing to no
// topics means every topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event),
		done:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers an event to every matching subscription without
// blocking. The publish timestamp is filled in when unset.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

// C returns the channel events are delivered on, in publish order.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many agent-output events were discarded because this
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// matches reports whether the subscription wants this topic.
func (s *Subscription) matches(topic Topic) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// enqueue appends the event to the subscriber's queue. Agent-output events
// beyond the buffer bound evict the oldest queued agent-output event.
func (s *Subscription) enqueue(event Event) {
	if !s.matches(event.Topic) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if event.Topic == TopicAgentOutput {
		outputs := 0
		for _, e := range s.queue {
			if e.Topic == TopicAgentOutput {
				outputs++
			}
		}
		if outputs >= agentOutputBuffer {
			for i, e := range s.queue {
				if e.Topic == TopicAgentOutput {
					s.queue = append(s.queue[:i], s.queue[i+1:]...)
					s.dropped++
					break
				}
			}
		}
	}

	s.queue = append(s.queue, event)
	s.cond.Signal()
}

// pump delivers queued events to the subscriber channel in order. Close
// unblocks a pump stuck handing an event to a receiver that stopped
// draining.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- event:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}

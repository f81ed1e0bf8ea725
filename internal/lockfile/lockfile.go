// Package lockfile provides the two locking primitives the orchestrator
// relies on: a cross-process advisory lock on a file path and an in-process
// FIFO mutex.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts bounds acquisition retries.
	DefaultMaxAttempts = 5
	// DefaultInitialBackoff is the delay after the first failed attempt.
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps the exponential backoff.
	DefaultMaxBackoff = 2 * time.Second
)

// FileLock is a cross-process advisory lock implemented as an exclusive
// lock file next to the protected path. Any process that mutates the
// protected file must hold the lock for the duration of the mutation.
type FileLock struct {
	path     string // path to the lock file itself
	attempts int
	initial  time.Duration
	max      time.Duration

	// procMu serializes goroutines sharing one FileLock instance; the lock
	// file alone only arbitrates between processes.
	procMu sync.Mutex

	mu   sync.Mutex
	held bool
}

// New creates a FileLock protecting the given path. The lock file is
// `<path>.lock`.
func New(path string) *FileLock {
	return &FileLock{
		path:     path + ".lock",
		attempts: DefaultMaxAttempts,
		initial:  DefaultInitialBackoff,
		max:      DefaultMaxBackoff,
	}
}

// NewWithRetry creates a FileLock with custom retry parameters.
func NewWithRetry(path string, attempts int, initial, max time.Duration) *FileLock {
	l := New(path)
	if attempts > 0 {
		l.attempts = attempts
	}
	if initial > 0 {
		l.initial = initial
	}
	if max > 0 {
		l.max = max
	}
	return l
}

// Acquire takes the lock, retrying with exponential backoff up to the
// configured attempt count. The lock file records the holder's pid.
// Goroutines sharing the same FileLock queue on it instead of contending
// for the lock file.
func (l *FileLock) Acquire() error {
	l.procMu.Lock()
	if err := l.acquireFile(); err != nil {
		l.procMu.Unlock()
		return err
	}

	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return nil
}

// acquireFile creates the lock file, backing off between attempts.
func (l *FileLock) acquireFile() error {
	backoff := l.initial

	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > l.max {
				backoff = l.max
			}
		}

		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if os.IsExist(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("create lock file: %w", err)
		}

		_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
		if err := f.Close(); err != nil {
			_ = os.Remove(l.path)
			return fmt.Errorf("write lock file: %w", err)
		}

		return nil
	}

	return fmt.Errorf("acquire lock %s after %d attempts: %w", l.path, l.attempts, lastErr)
}

// Release removes the lock file. Safe to call on every exit path; releasing
// an unheld lock is a no-op.
func (l *FileLock) Release() error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	l.mu.Unlock()

	err := os.Remove(l.path)
	l.procMu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock, releasing it on every exit path.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// RemoveStale deletes a leftover lock file for the given protected path.
// Used at startup to recover from crashes.
func RemoveStale(path string) error {
	if err := os.Remove(path + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// FIFOMutex is a cooperative in-process mutex that hands the lock to the
// earliest waiter on release. It never fails an operation; it only blocks.
type FIFOMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock blocks until the mutex is available, queueing behind earlier waiters.
func (m *FIFOMutex) Lock() {
	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.mu.Unlock()
		return
	}

	ticket := make(chan struct{})
	m.waiters = append(m.waiters, ticket)
	m.mu.Unlock()

	<-ticket
}

// Unlock releases the mutex, waking the earliest waiter if any.
func (m *FIFOMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.waiters) > 0 {
		ticket := m.waiters[0]
		m.waiters = m.waiters[1:]
		// Ownership transfers directly to the woken waiter.
		close(ticket)
		return
	}

	m.locked = false
}

// TryLock acquires the mutex without blocking. Returns false if it is held
// or contended.
func (m *FIFOMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked || len(m.waiters) > 0 {
		return false
	}
	m.locked = true
	return true
}

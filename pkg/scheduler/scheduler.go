// Package scheduler runs keyed one-shot callbacks after a delay. The saga
// orchestrator uses it for retry backoff and instance timeouts.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const logPrefix = "scheduler:timer"

// Scheduler runs fn once after delay. Scheduling an existing key replaces the
// pending callback.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string) bool
	Pending(key string) bool
	Stop()
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	gen     uint64
	stopped bool
	pending map[string]entry
}

// NewTimerScheduler creates an empty TimerScheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{pending: make(map[string]entry)}
}

// Schedule arms fn under key. Calls after Stop are ignored.
func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		slog.Debug(fmt.Sprintf("%s - Ignoring %s, scheduler stopped", logPrefix, key))
		return
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if !ok || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				slog.Error(fmt.Sprintf("%s - callback %s panicked: %v", logPrefix, key, r))
			}
		}()
		fn()
	})
	s.pending[key] = entry{timer: t, gen: gen}
}

// Cancel stops the callback for key. It reports whether one was pending.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending reports whether a callback is armed for key.
func (s *TimerScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of armed callbacks.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending callback and rejects further scheduling.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
	slog.Debug(fmt.Sprintf("%s - Stopped", logPrefix))
}

// Package ratelimit bounds how often findings for the same label are
// persisted to the detection log.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// MaxValid is how many valid findings per label are persisted before
	// further valid findings for that label are dropped.
	MaxValid = 3
	// InvalidWindow is the minimum spacing between two persisted invalid
	// findings of the same label.
	InvalidWindow = time.Minute
	// invalidBurst is the count at which the invalid counter restarts.
	invalidBurst = 3
)

// State is a snapshot of one label's counters.
type State struct {
	LastInvalid  time.Time
	InvalidCount int
	ValidCount   int
}

// Limiter tracks per-label persistence decisions. It is safe for concurrent
// use so one Limiter can serve every camera that writes to the same log.
type Limiter struct {
	mu     sync.Mutex
	labels map[string]*State
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests. A nil clock keeps time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		labels: make(map[string]*State),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) state(label string) *State {
	s, ok := l.labels[label]
	if !ok {
		s = &State{}
		l.labels[label] = s
	}
	return s
}

// AllowValid admits the first MaxValid valid findings for label.
func (l *Limiter) AllowValid(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(label)
	if s.ValidCount >= MaxValid {
		return false
	}
	s.ValidCount++
	return true
}

// AllowInvalid admits an invalid finding for label when more than
// InvalidWindow has passed since the last admitted one. A label that was
// never admitted is always allowed.
func (l *Limiter) AllowInvalid(label string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(label)
	if !s.LastInvalid.IsZero() && now.Sub(s.LastInvalid) <= InvalidWindow {
		return false
	}
	if s.InvalidCount >= invalidBurst {
		s.InvalidCount = 0
	}
	s.LastInvalid = now
	s.InvalidCount++
	return true
}

// Allow dispatches to AllowValid or AllowInvalid using the limiter's clock.
func (l *Limiter) Allow(label string, valid bool) bool {
	if valid {
		return l.AllowValid(label)
	}
	return l.AllowInvalid(label, l.now())
}

// Refund gives back the slot taken by an admitted finding that could not be
// persisted. A valid refund lowers the count; an invalid one reopens the
// window, which is safe because the last persisted invalid finding is
// already more than InvalidWindow old.
func (l *Limiter) Refund(label string, valid bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.labels[label]
	if !ok {
		return
	}
	if valid {
		if s.ValidCount > 0 {
			s.ValidCount--
		}
		return
	}
	if s.InvalidCount > 0 {
		s.InvalidCount--
	}
	s.LastInvalid = time.Time{}
}

// Reset clears the counters of one label. Other labels are untouched.
func (l *Limiter) Reset(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.labels, label)
}

// Snapshot returns a copy of label's counters.
func (l *Limiter) Snapshot(label string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.labels[label]; ok {
		return *s
	}
	return State{}
}

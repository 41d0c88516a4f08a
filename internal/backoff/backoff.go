// Package backoff implements FailureBackoffTracker: a bounded, time-windowed
// queue of failure records whose live count is the current wait multiplier.
// This replaces the teacher's per-call exponential backoff
// (pkg/audio/errors.go's calculateExponentialBackoff) with the simpler
// counting model spec §4.2 requires.
package backoff

import (
	"sync"
	"time"
)

// Tracker is a FailureBackoffTracker.
type Tracker struct {
	mu       sync.Mutex
	records  []time.Time
	baseWait time.Duration
	maxSize  int
	maxAge   time.Duration
	now      func() time.Time
}

// New creates a Tracker with the given base wait, max record count, and max
// record age.
func New(baseWait time.Duration, maxSize int, maxAge time.Duration) *Tracker {
	return &Tracker{
		baseWait: baseWait,
		maxSize:  maxSize,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// RecordFailure appends a timestamped record, evicting records older than
// maxAge and dropping the oldest if the queue now exceeds maxSize.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictAgedLocked()
	t.records = append(t.records, t.now())

	if len(t.records) > t.maxSize {
		t.records = t.records[len(t.records)-t.maxSize:]
	}
}

// RecordSuccess removes one (the oldest) failure record, if any exist.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictAgedLocked()
	if len(t.records) > 0 {
		t.records = t.records[1:]
	}
}

// CurrentMultiplier returns the current live-record count.
func (t *Tracker) CurrentMultiplier() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictAgedLocked()
	return len(t.records)
}

// Wait computes base_wait + base_wait * current_multiplier(), the wait the
// caller should apply before its next download attempt (spec §4.2).
func (t *Tracker) Wait() time.Duration {
	m := t.CurrentMultiplier()
	return t.baseWait + time.Duration(m)*t.baseWait
}

func (t *Tracker) evictAgedLocked() {
	if t.maxAge <= 0 {
		return
	}
	cutoff := t.now().Add(-t.maxAge)
	i := 0
	for i < len(t.records) && t.records[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.records = t.records[i:]
	}
}

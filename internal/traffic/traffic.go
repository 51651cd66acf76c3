// Package traffic keeps a short sliding window of request outcomes. The health check reads
// the error rate from it and the metrics layer exposes load and rejection gauges.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one finished request.
type Outcome uint8

const (
	Success Outcome = iota
	Failure
	Denied
)

// DefaultRetention bounds how far back any window query can look.
const DefaultRetention = 5 * time.Minute

var defaultTracker = NewTracker(DefaultRetention)

// RecordSuccess records a served forecast or live lookup.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a request that failed for reasons other than bad input.
func RecordError() { defaultTracker.Record(Failure) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// RequestCount returns all outcomes within the window, denials included.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Count(Denied, window) }

// ErrorRate returns (failures, successes+failures) within the window.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the default tracker. For tests only.
func Reset() { defaultTracker.Reset() }

type event struct {
	at   time.Time
	kind Outcome
}

// Tracker stores timestamped outcomes in arrival order and drops anything older than its retention.
type Tracker struct {
	mu        sync.Mutex
	events    []event
	retention time.Duration
	now       func() time.Time
}

func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record appends an outcome at the current time.
func (t *Tracker) Record(kind Outcome) {
	t.RecordN(kind, 1)
}

// RecordN appends n identical outcomes. Used for synthetic load in tests.
func (t *Tracker) RecordN(kind Outcome, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, kind: kind})
	}
	t.pruneLocked(now)
}

// Count returns outcomes of one kind within the window.
func (t *Tracker) Count(kind Outcome, window time.Duration) int {
	counts := t.counts(window)
	return counts[kind]
}

func (t *Tracker) RequestCount(window time.Duration) int {
	c := t.counts(window)
	return c[Success] + c[Failure] + c[Denied]
}

// ErrorRate excludes denials from both terms.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	c := t.counts(window)
	return c[Failure], c[Failure] + c[Success]
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) counts(window time.Duration) [3]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	var c [3]int
	// events are in arrival order; scan from the newest until the cutoff.
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].at.Before(cutoff) {
			break
		}
		c[t.events[i].kind]++
	}
	return c
}

// pruneLocked must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	i := 0
	for i < len(t.events) && t.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}

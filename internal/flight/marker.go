package flight

import (
	"sync"
	"time"
)

// Marker observes one timing event owned by the issuing side. The recorder
// only borrows markers: it polls them while the operation is live and drops
// its references when the operation retires, since the marker's storage
// belongs to the operation.
type Marker interface {
	// Ready reports whether the event has occurred.
	Ready() bool
	// At returns the event time when known. A marker may know the event
	// occurred before it knows when.
	At() (time.Time, bool)
}

// Duration returns end minus start when both markers report event times.
func Duration(start, end Marker) (time.Duration, bool) {
	if start == nil || end == nil {
		return 0, false
	}
	s, ok := start.At()
	if !ok {
		return 0, false
	}
	e, ok := end.At()
	if !ok {
		return 0, false
	}
	return e.Sub(s), true
}

// TimeMarker is a Marker the issuing side completes explicitly.
type TimeMarker struct {
	mu   sync.Mutex
	done bool
	at   time.Time
}

// Complete marks the event as having occurred now.
func (m *TimeMarker) Complete() {
	m.CompleteAt(time.Now())
}

// CompleteAt marks the event as having occurred at t.
func (m *TimeMarker) CompleteAt(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = true
	m.at = t
}

// Ready implements Marker.
func (m *TimeMarker) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// At implements Marker.
func (m *TimeMarker) At() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.done {
		return time.Time{}, false
	}
	return m.at, true
}

package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// ErrEventPending is returned by ElapsedTime when either event has not
// completed yet.
var ErrEventPending = errors.New("sim: event has not completed")

// Event is a simulated hardware event marker.
type Event struct {
	mu        sync.Mutex
	completed bool
	at        time.Time
	queries   int
}

// NewEvent creates an event that has not completed.
func NewEvent() *Event {
	return &Event{}
}

// Complete marks the event as reached by the device.
func (e *Event) Complete() {
	e.CompleteAt(time.Now())
}

// CompleteAt marks the event as reached at t. A second call is ignored.
func (e *Event) CompleteAt(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return
	}
	e.completed = true
	e.at = t
}

// Query implements native.Event.
func (e *Event) Query() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries++
	return e.completed
}

// Queries returns how many times Query was called.
func (e *Event) Queries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries
}

func (e *Event) completedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.at, e.completed
}

// ElapsedTime implements native.Event.
func (e *Event) ElapsedTime(end native.Event) (time.Duration, error) {
	other, ok := end.(*Event)
	if !ok {
		return 0, fmt.Errorf("sim: cannot measure against %T", end)
	}
	start, ok := e.completedAt()
	if !ok {
		return 0, ErrEventPending
	}
	stop, ok := other.completedAt()
	if !ok {
		return 0, ErrEventPending
	}
	return stop.Sub(start), nil
}

package goneo

import (
	"fmt"
	"sync"
	"time"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

type Event struct {
	Type    EventType
	Details string
	Device  string
	Time    time.Time
}

func (e Event) String() string {
	if e.Device == "" {
		return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type.String(), e.Device, e.Details)
}

const DefaultEventLimit = 10000

// TooManyEvents is the detail text of the warning that replaces events dropped on overflow.
const TooManyEvents = "too many events, older events were discarded"

// EventLog is a bounded queue holding up to limit events. Adding past the
// limit discards the oldest events and keeps a single TooManyEvents warning
// at the tail, the log never grows beyond limit entries.
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	limit    int
	overflow bool
}

func NewEventLog(limit int) *EventLog {
	if limit <= 1 {
		limit = DefaultEventLimit
	}
	return &EventLog{limit: limit}
}

func (l *EventLog) Add(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overflow && len(l.events) > 0 {
		// keep the overflow marker last
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, e)
	room := l.limit
	if l.overflow {
		room--
	}
	if len(l.events) > room {
		l.events = l.events[len(l.events)-(l.limit-1):]
		l.overflow = true
	}
	if l.overflow {
		l.events = append(l.events, Event{Type: EventTypeWarning, Details: TooManyEvents, Time: e.Time})
	}
}

// Events drains and returns every queued event.
func (l *EventLog) Events() []Event {
	return l.drain(func(Event) bool { return true })
}

// Errors drains and returns the queued error events, other events stay queued.
func (l *EventLog) Errors() []Event {
	return l.drain(func(e Event) bool { return e.Type == EventTypeError })
}

// LastError returns the most recent error without removing it.
func (l *EventLog) LastError() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == EventTypeError {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *EventLog) drain(match func(Event) bool) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	kept := l.events[:0]
	for _, e := range l.events {
		if match(e) {
			out = append(out, e)
		} else {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(l.events); i++ {
		l.events[i] = Event{}
	}
	l.events = kept
	l.overflow = false
	for _, e := range kept {
		if e.Details == TooManyEvents {
			l.overflow = true
		}
	}
	return out
}

var defaultLog = NewEventLog(DefaultEventLimit)

// GetEvents drains the package wide event log.
func GetEvents() []Event {
	return defaultLog.Events()
}

// GetErrors drains the error events from the package wide event log.
func GetErrors() []Event {
	return defaultLog.Errors()
}

// ReportEvent adds e to the package wide event log.
func ReportEvent(e Event) {
	defaultLog.Add(e)
}

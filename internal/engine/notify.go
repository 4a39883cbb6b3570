package engine

import (
	"context"
	"log/slog"
)

// EventKind names a progress event.
type EventKind string

const (
	EventPassStarted   EventKind = "pass_started"
	EventAccepted      EventKind = "section_accepted"
	EventVetoed        EventKind = "section_vetoed"
	EventSkipped       EventKind = "section_skipped"
	EventCheckpoint    EventKind = "checkpoint"
	EventPassCompleted EventKind = "pass_completed"
	EventCancelled     EventKind = "cancelled"
	EventJobCompleted  EventKind = "job_completed"
	EventJobFailed     EventKind = "job_failed"
)

// Event is a progress notification published while a job runs.
type Event struct {
	JobID     string    `json:"job_id"`
	Pass      int       `json:"pass"`
	Kind      EventKind `json:"kind"`
	Section   string    `json:"section,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
}

// Notifier receives progress events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// SlogNotifier logs every event at debug level, and failures at warn.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (n SlogNotifier) Notify(e Event) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelDebug
	switch e.Kind {
	case EventJobFailed, EventCancelled:
		level = slog.LevelWarn
	case EventPassCompleted, EventJobCompleted:
		level = slog.LevelInfo
	}
	l.Log(context.Background(), level, "progress",
		"job_id", e.JobID, "pass", e.Pass, "event", string(e.Kind),
		"section", e.Section, "completed", e.Completed, "total", e.Total, "message", e.Message)
}

// ChanNotifier forwards events to a buffered channel, dropping events when
// the buffer is full.
type ChanNotifier struct {
	C chan Event
}

// NewChanNotifier creates a ChanNotifier with the given buffer size.
func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{C: make(chan Event, size)}
}

func (n *ChanNotifier) Notify(e Event) {
	select {
	case n.C <- e:
	default:
	}
}

// Fanout delivers each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(e Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(e)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

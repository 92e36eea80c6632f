package core

import "time"

type EventType string

const (
	EventJobAdded     EventType = "job.added"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRemoved   EventType = "job.removed"
	EventQueueCleared EventType = "queue.cleared"
)

// EventTypes lists every lifecycle event the queue emits.
var EventTypes = []EventType{
	EventJobAdded,
	EventJobStarted,
	EventJobCompleted,
	EventJobFailed,
	EventJobRemoved,
	EventQueueCleared,
}

func ValidEventType(s string) bool {
	for _, t := range EventTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Event is published after every state transition. Job is empty for
// queue.cleared, which carries Count and the Removed ids instead.
type Event struct {
	Type    EventType `json:"type"`
	Job     JobStatus `json:"job,omitzero"`
	Count   int       `json:"count,omitempty"`
	Removed []string  `json:"removed,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives lifecycle events. Notify is called outside the queue
// lock from several goroutines and should hand slow work off rather than
// block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans an event out to every member in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}

type discard struct{}

func (discard) Notify(Event) {}

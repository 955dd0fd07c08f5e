package download

import (
	"fmt"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/transport"
)

// EventType is the type of a session event
type EventType int

const (
	// EventProgress carries download progress
	EventProgress EventType = iota
	// EventCompleted carries the decoded image, it is final
	EventCompleted
	// EventFailed carries the failure, it is final
	EventFailed
)

// String stringifies the event type
func (eventType EventType) String() string {
	switch eventType {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in arrival order
type Event struct {
	Type     EventType
	Progress transport.Progress
	Image    *decode.Image
	Err      error
}

// IsFinal returns true for completion and failure
func (event Event) IsFinal() bool {
	return event.Type == EventCompleted || event.Type == EventFailed
}

// ToString stringifies the object
func (event Event) ToString() string {
	switch event.Type {
	case EventProgress:
		return fmt.Sprintf("<Event %s %s>", event.Type, event.Progress.ToString())
	case EventFailed:
		return fmt.Sprintf("<Event %s %v>", event.Type, event.Err)
	default:
		return fmt.Sprintf("<Event %s>", event.Type)
	}
}

// Subscriber receives session events on its own goroutine
type Subscriber interface {
	OnEvent(event Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(event Event)

// OnEvent calls fn
func (fn SubscriberFunc) OnEvent(event Event) {
	fn(event)
}

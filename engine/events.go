package engine

import (
	"fmt"
	"time"
)

// EventKind tags messages flowing from display workers to the coordinator
// and on to observers.
type EventKind int

const (
	// EventAttached: a display finished its first mode-set and is armed.
	EventAttached EventKind = iota
	// EventFrameLatched: a page flip completed; the frame is on glass.
	EventFrameLatched
	// EventFailed: a display died; its connector may be retried on the
	// next reconcile.
	EventFailed
	// EventStopped: a display finished tearing down.
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventFrameLatched:
		return "frame-latched"
	case EventFailed:
		return "failed"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one notification about a display. Sequence and When are only
// meaningful for EventFrameLatched, Err only for EventFailed.
type Event struct {
	Kind      EventKind
	Connector ConnectorID
	Crtc      CrtcID
	Sequence  uint32
	When      time.Time
	Err       error
}

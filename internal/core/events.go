package core

// EventKind names the notifications fanned out to observers. Events carry
// no payload: readers re-fetch the latest state after being notified.
type EventKind int

const (
	// EventStateUpdated fires whenever new playback state has been
	// projected, from either a REST snapshot or a real-time delta.
	EventStateUpdated EventKind = iota
	// EventSessionRestart fires when the real-time session needs to be
	// rebuilt, typically after an unauthorized rejection.
	EventSessionRestart
)

func (k EventKind) String() string {
	switch k {
	case EventStateUpdated:
		return "state_updated"
	case EventSessionRestart:
		return "session_restart"
	default:
		return "unknown"
	}
}

// Event is a notification published to player observers.
type Event struct {
	Kind EventKind
}

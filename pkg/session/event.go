package session

import (
	"fmt"

	"github.com/astromechza/wikisync/pkg/awareness"
	"github.com/astromechza/wikisync/pkg/document"
)

// Phase is the single state of a session. Settling is the short window after every sync during which local
// changes are not handed to persistence.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseHandshaking
	PhaseSettling
	PhaseSynced
	PhaseDisconnected
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseSettling:
		return "settling"
	case PhaseSynced:
		return "synced"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type EventKind int

const (
	// EventPhase carries a phase change.
	EventPhase EventKind = iota
	// EventChange is emitted after any change of the document, whatever its origin.
	EventChange
	// EventPresence carries the full presence list.
	EventPresence
	// EventSeeded is emitted once the document was filled from storage.
	EventSeeded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPhase:
		return "phase"
	case EventChange:
		return "change"
	case EventPresence:
		return "presence"
	case EventSeeded:
		return "seeded"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind     EventKind
	Phase    Phase
	Origin   document.Origin
	Presence []awareness.Presence
	Err      error
}

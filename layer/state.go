package layer

// State is a layer's lifecycle position. Transitions only move forward.
type State int

const (
	Opening State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Alive reports whether a layer in this state can receive renders.
func (s State) Alive() bool { return s == Opening || s == Open }

func (s State) can(to State) bool {
	switch s {
	case Opening:
		return to == Open || to == Closing
	case Open:
		return to == Closing
	case Closing:
		return to == Closed
	}
	return false
}

// Reason records why a layer closed.
type Reason string

const (
	ReasonAccept  Reason = "accept"
	ReasonDismiss Reason = "dismiss"
	ReasonClose   Reason = "close"
	ReasonAbort   Reason = "abort"
)

// PeelValue is the dismissal value of overlays closed because a layer
// below them closed or was rendered into.
const PeelValue = ":peel"

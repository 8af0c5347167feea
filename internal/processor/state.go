package processor

// State is the position of a pass in the stream lifecycle
type State int

const (
	StateStreamStart State = iota
	StateAccumulating
	StateToolDetected
	StateToolExecuting
	StateToolResolved
	StateFinalizing
	StateStreamEnd
	StateError
)

var stateNames = [...]string{
	"stream_start", "accumulating", "tool_detected", "tool_executing",
	"tool_resolved", "finalizing", "stream_end", "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// signal is what happened to the pass
type signal int

const (
	sigText signal = iota
	sigToolDetected
	sigExecute
	sigResolved
	sigEnd
	sigDone
	sigFail
)

// next is the transition function. Signals that make no sense in a state
// leave it unchanged.
func next(s State, sig signal) State {
	if s == StateError || s == StateStreamEnd {
		return s
	}
	if sig == sigFail {
		return StateError
	}

	switch sig {
	case sigText:
		switch s {
		case StateStreamStart, StateAccumulating, StateToolDetected, StateToolResolved:
			return StateAccumulating
		}
	case sigToolDetected:
		switch s {
		case StateStreamStart, StateAccumulating, StateToolDetected, StateToolResolved:
			return StateToolDetected
		}
	case sigExecute:
		switch s {
		case StateToolDetected, StateFinalizing:
			return StateToolExecuting
		}
	case sigResolved:
		if s == StateToolExecuting {
			return StateToolResolved
		}
	case sigEnd:
		switch s {
		case StateStreamStart, StateAccumulating, StateToolDetected, StateToolResolved:
			return StateFinalizing
		}
	case sigDone:
		switch s {
		case StateFinalizing, StateToolResolved:
			return StateStreamEnd
		}
	}
	return s
}

package session

import "fmt"

// State is the controller's lifecycle position.
type State int

const (
	Idle State = iota
	Loading
	Connecting
	LoopStarting
	TraceArmed
	Invoking
	Succeeded
	Failed
	InteractiveFallback
	ShuttingDown
	Closed
)

var stateNames = [...]string{
	Idle:                "Idle",
	Loading:             "Loading",
	Connecting:          "Connecting",
	LoopStarting:        "LoopStarting",
	TraceArmed:          "TraceArmed",
	Invoking:            "Invoking",
	Succeeded:           "Succeeded",
	Failed:              "Failed",
	InteractiveFallback: "InteractiveFallback",
	ShuttingDown:        "ShuttingDown",
	Closed:              "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// isOutcome reports whether s is one of the terminal results of an
// invocation.
func (s State) isOutcome() bool {
	return s == Succeeded || s == Failed || s == InteractiveFallback
}

// allowed lists the legal successors of each state. Loading → Closed is the
// load failure path: nothing has been started, so there is nothing to shut
// down.
var allowed = map[State][]State{
	Idle:                {Loading},
	Loading:             {Connecting, Closed},
	Connecting:          {LoopStarting, ShuttingDown},
	LoopStarting:        {TraceArmed, ShuttingDown},
	TraceArmed:          {Invoking, ShuttingDown},
	Invoking:            {Succeeded, Failed, ShuttingDown},
	Succeeded:           {ShuttingDown},
	Failed:              {InteractiveFallback, ShuttingDown},
	InteractiveFallback: {ShuttingDown},
	ShuttingDown:        {Closed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
}

func (t Transition) String() string {
	return t.From.String() + "→" + t.To.String()
}

package broker

// State is the lifecycle state of a subscription.
type State int

const (
	StateRequested State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateUnsubscribing
	StateErrored
	StateEnded
	StateClosed
)

var stateNames = [...]string{
	StateRequested:     "requested",
	StateConnecting:    "connecting",
	StateSubscribed:    "subscribed",
	StateStreaming:     "streaming",
	StateUnsubscribing: "unsubscribing",
	StateErrored:       "errored",
	StateEnded:         "ended",
	StateClosed:        "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateRequested:     {StateConnecting, StateUnsubscribing, StateErrored},
	StateConnecting:    {StateSubscribed, StateUnsubscribing, StateErrored},
	StateSubscribed:    {StateStreaming, StateUnsubscribing, StateErrored},
	StateStreaming:     {StateUnsubscribing, StateErrored, StateEnded},
	StateUnsubscribing: {StateClosed, StateErrored},
	StateErrored:       {StateClosed},
	StateEnded:         {StateClosed},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the subscription may still receive events.
func (s State) Active() bool {
	return s == StateConnecting || s == StateSubscribed || s == StateStreaming
}

// Terminal reports whether the subscription is being or has been torn down.
func (s State) Terminal() bool {
	return s >= StateUnsubscribing
}

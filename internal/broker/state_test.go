package broker

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRequested, StateConnecting, true},
		{StateConnecting, StateSubscribed, true},
		{StateSubscribed, StateStreaming, true},
		{StateStreaming, StateEnded, true},
		{StateStreaming, StateUnsubscribing, true},
		{StateUnsubscribing, StateClosed, true},
		{StateErrored, StateClosed, true},
		{StateEnded, StateClosed, true},

		// Errored from every non-terminal state.
		{StateRequested, StateErrored, true},
		{StateConnecting, StateErrored, true},
		{StateSubscribed, StateErrored, true},
		{StateStreaming, StateErrored, true},
		{StateUnsubscribing, StateErrored, true},

		// Ended only from Streaming.
		{StateRequested, StateEnded, false},
		{StateConnecting, StateEnded, false},
		{StateSubscribed, StateEnded, false},

		{StateRequested, StateStreaming, false},
		{StateErrored, StateErrored, false},
		{StateEnded, StateErrored, false},
		{StateClosed, StateRequested, false},
		{StateClosed, StateErrored, false},
		{StateClosed, StateClosed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateHelpers(t *testing.T) {
	for _, s := range []State{StateConnecting, StateSubscribed, StateStreaming} {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []State{StateRequested, StateUnsubscribing, StateErrored, StateEnded, StateClosed} {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
	if !StateClosed.Terminal() || StateStreaming.Terminal() {
		t.Error("unexpected Terminal result")
	}
	if State(99).String() != "unknown" {
		t.Errorf("State(99).String() = %q", State(99).String())
	}
}

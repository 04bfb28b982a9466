package consumer

import (
	"testing"
	"time"
)

func TestNext_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		in   Input
		want State
	}{
		{"connect", Disconnected, InputConnected, Subscribed},
		{"first assignment", Subscribed, InputPartitionsAssigned, Assigned},
		{"rebalance away", Assigned, InputPartitionsLost, Unassigned},
		{"rebalance back", Unassigned, InputPartitionsAssigned, Assigned},
		{"never assigned", Subscribed, InputPartitionsLost, Unassigned},
		{"watchdog from unassigned", Unassigned, InputWatchdogExpired, Restarting},
		{"watchdog from subscribed", Subscribed, InputWatchdogExpired, Restarting},
		{"backoff done", Restarting, InputBackoffElapsed, Disconnected},
		{"fatal while assigned", Assigned, InputFatalError, Restarting},
		{"fatal while subscribed", Subscribed, InputFatalError, Restarting},
		{"assigned stays assigned", Assigned, InputPartitionsAssigned, Assigned},
		{"unassigned stays unassigned", Unassigned, InputPartitionsLost, Unassigned},
		{"watchdog ignored while assigned", Assigned, InputWatchdogExpired, Assigned},
		{"connect ignored while subscribed", Subscribed, InputConnected, Subscribed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.from, tt.in); got != tt.want {
				t.Errorf("Next(%s, %d) = %s, want %s", tt.from, tt.in, got, tt.want)
			}
		})
	}
}

func TestNext_ShutdownFromAnyState(t *testing.T) {
	for _, s := range []State{Disconnected, Subscribed, Assigned, Unassigned, Restarting, Stopped} {
		if got := Next(s, InputShutdown); got != Stopped {
			t.Errorf("Next(%s, shutdown) = %s, want stopped", s, got)
		}
	}
}

func TestNext_StoppedIsTerminal(t *testing.T) {
	for in := InputConnected; in <= InputShutdown; in++ {
		if got := Next(Stopped, in); got != Stopped {
			t.Errorf("Next(stopped, %d) = %s, want stopped", in, got)
		}
	}
}

func TestWatchdog(t *testing.T) {
	start := time.Now()
	wd := watchdog{threshold: 5 * time.Second, since: start}

	if wd.observe(false, start.Add(4*time.Second)) {
		t.Error("watchdog fired before threshold")
	}
	if !wd.observe(false, start.Add(5*time.Second)) {
		t.Error("watchdog did not fire at threshold")
	}

	// An assignment resets the clock.
	if wd.observe(true, start.Add(6*time.Second)) {
		t.Error("watchdog fired while assigned")
	}
	if wd.observe(false, start.Add(10*time.Second)) {
		t.Error("watchdog fired before threshold after reset")
	}
	if !wd.observe(false, start.Add(11*time.Second)) {
		t.Error("watchdog did not fire after reset + threshold")
	}
}

func TestWatchdog_RestartScenario(t *testing.T) {
	// Unassigned persists past the threshold: the machine must pass
	// through Restarting and come back to a fresh Subscribed state.
	state := Next(Disconnected, InputConnected)
	state = Next(state, InputPartitionsLost)
	state = Next(state, InputWatchdogExpired)
	if state != Restarting {
		t.Fatalf("state = %s, want restarting", state)
	}
	state = Next(state, InputBackoffElapsed)
	if state != Disconnected {
		t.Fatalf("state = %s, want disconnected", state)
	}
	state = Next(state, InputConnected)
	if state != Subscribed {
		t.Fatalf("state = %s, want subscribed", state)
	}
}

package consumer

import "time"

// State is one node of the consumer lifecycle machine.
type State int

const (
	// Disconnected means no broker connection exists.
	Disconnected State = iota
	// Subscribed means the connection is open and subscribed, with no
	// partition assignment observed yet.
	Subscribed
	// Assigned means the group has assigned partitions to this member.
	Assigned
	// Unassigned means a previously healthy member observed zero assigned
	// partitions on a poll iteration.
	Unassigned
	// Restarting means the connection is being torn down ahead of a
	// backoff and reconnect.
	Restarting
	// Stopped is terminal, entered on the external shutdown signal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Subscribed:
		return "subscribed"
	case Assigned:
		return "assigned"
	case Unassigned:
		return "unassigned"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Input is an observation fed to the transition function.
type Input int

const (
	// InputConnected: the broker connection opened and subscribed.
	InputConnected Input = iota
	// InputPartitionsAssigned: a poll observed at least one assigned partition.
	InputPartitionsAssigned
	// InputPartitionsLost: a poll observed zero assigned partitions.
	InputPartitionsLost
	// InputWatchdogExpired: partitions stayed unassigned past the threshold.
	InputWatchdogExpired
	// InputFatalError: an uncaught error forces a restart.
	InputFatalError
	// InputBackoffElapsed: the restart backoff completed.
	InputBackoffElapsed
	// InputShutdown: the external shutdown signal.
	InputShutdown
)

// Next is the lifecycle transition function. It is pure so restart,
// backoff, and halt logic can be exercised without a broker.
func Next(s State, in Input) State {
	if s == Stopped {
		return Stopped
	}
	if in == InputShutdown {
		return Stopped
	}

	switch in {
	case InputConnected:
		if s == Disconnected {
			return Subscribed
		}
	case InputPartitionsAssigned:
		switch s {
		case Subscribed, Unassigned, Assigned:
			return Assigned
		}
	case InputPartitionsLost:
		switch s {
		case Subscribed, Assigned, Unassigned:
			return Unassigned
		}
	case InputWatchdogExpired:
		switch s {
		case Subscribed, Unassigned:
			return Restarting
		}
	case InputFatalError:
		switch s {
		case Subscribed, Assigned, Unassigned:
			return Restarting
		}
	case InputBackoffElapsed:
		if s == Restarting {
			return Disconnected
		}
	}
	return s
}

// watchdog tracks how long the consumer has gone without an assignment.
type watchdog struct {
	threshold time.Duration
	since     time.Time
}

// observe records the assignment status of one poll iteration and reports
// whether the unassigned threshold has been exceeded.
func (w *watchdog) observe(assigned bool, now time.Time) bool {
	if assigned {
		w.since = now
		return false
	}
	return now.Sub(w.since) >= w.threshold
}

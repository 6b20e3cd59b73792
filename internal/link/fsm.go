// Package link implements the per-connection lifecycle shared by every
// outbound streaming link: a small state machine over
// Disconnected → Connecting → Connected, with reconnection expressed as a
// scheduled delayed re-entry into Connecting at a fixed backoff.
//
// The transition function is pure and decoupled from the transport so
// synthetic open/close sequences can drive tests without a real connection.
package link

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// input is an external stimulus applied to the machine.
type input int

const (
	inputDial       input = iota // owner requests a connection
	inputOpened                  // dial succeeded
	inputDialFailed              // dial failed
	inputClosed                  // established connection closed (local or remote)
	inputRetryDue                // scheduled reconnect timer fired
	inputTeardown                // owner permanently deactivates the link
)

// effect is an action the machine instructs its driver to perform.
type effect int

const (
	effectDial effect = iota
	effectStartKeepalive
	effectStopKeepalive
	effectNotifyOpen
	effectNotifyClose
	effectScheduleRetry
	effectCancelRetry
	effectCloseConn
)

// machine holds the pure state. It performs no I/O; the Link driver executes
// the returned effects.
type machine struct {
	state        State
	torn         bool // teardown is permanent
	retryPending bool // at most one scheduled reconnect
}

// step applies one input and returns the effects to execute, in order.
// Inputs that are invalid for the current state are ignored, which keeps the
// invariant of at most one Connecting attempt in flight per link.
func (m *machine) step(in input) []effect {
	if m.torn {
		// A torn-down link never dials, retries, or notifies again. A late
		// close still releases the socket.
		if in == inputClosed {
			return []effect{effectCloseConn}
		}
		return nil
	}

	switch in {
	case inputDial:
		if m.state != StateDisconnected || m.retryPending {
			return nil
		}
		m.state = StateConnecting
		return []effect{effectDial}

	case inputOpened:
		if m.state != StateConnecting {
			return nil
		}
		m.state = StateConnected
		return []effect{effectStartKeepalive, effectNotifyOpen}

	case inputDialFailed:
		if m.state != StateConnecting {
			return nil
		}
		m.state = StateDisconnected
		m.retryPending = true
		return []effect{effectScheduleRetry}

	case inputClosed:
		if m.state != StateConnected {
			return nil
		}
		m.state = StateDisconnected
		m.retryPending = true
		return []effect{effectStopKeepalive, effectCloseConn, effectNotifyClose, effectScheduleRetry}

	case inputRetryDue:
		if m.state != StateDisconnected || !m.retryPending {
			return nil
		}
		m.retryPending = false
		m.state = StateConnecting
		return []effect{effectDial}

	case inputTeardown:
		m.torn = true
		m.retryPending = false
		effects := []effect{effectCancelRetry}
		if m.state == StateConnected {
			effects = append(effects, effectStopKeepalive)
		}
		if m.state != StateDisconnected {
			effects = append(effects, effectCloseConn)
		}
		m.state = StateDisconnected
		return effects
	}

	return nil
}

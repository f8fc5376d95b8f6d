package connection

import (
	"fmt"
	"time"
)

// input is something that happened to the link.
type input int

const (
	inConnect    input = iota // caller asked to connect
	inAuthGained              // binding became authenticated
	inAuthLost                // binding became unauthenticated
	inOpened                  // current socket finished its handshake
	inClosed                  // current socket closed or failed
	inRetryDue                // reconnect timer fired
	inDisconnect              // caller asked to disconnect
	inStop                    // manager is shutting down
)

func (i input) String() string {
	switch i {
	case inConnect:
		return "connect"
	case inAuthGained:
		return "auth gained"
	case inAuthLost:
		return "auth lost"
	case inOpened:
		return "opened"
	case inClosed:
		return "closed"
	case inRetryDue:
		return "retry due"
	case inDisconnect:
		return "disconnect"
	case inStop:
		return "stop"
	default:
		return "unknown"
	}
}

// event is an input plus the facts the transition needs.
type event struct {
	kind          input
	authenticated bool   // binding state when the event was taken
	clean         bool   // inClosed: normal closure, do not retry
	reason        string // free text for logs and status changes
}

type effectKind int

const (
	effDial effectKind = iota
	effFlush
	effStartHeartbeat
	effStopHeartbeat
	effCloseSocket
	effScheduleRetry
	effCancelRetry
	effClearQueue
	effWarn
	effFatal
)

// effect is an action the manager performs after a transition.
type effect struct {
	kind  effectKind
	delay time.Duration // effScheduleRetry
	err   error         // effClearQueue
	msg   string        // effWarn, effFatal
}

// machine is the link state machine. next is pure: it never touches a
// socket or timer, it only describes what should happen.
type machine struct {
	state   State
	attempt int
	stopped bool
	policy  ReconnectPolicy
}

func newMachine(policy ReconnectPolicy) machine {
	return machine{state: Disconnected, policy: policy}
}

// next returns the machine after ev and the effects to apply, in order.
func (m machine) next(ev event) (machine, []effect) {
	if m.stopped {
		return m, nil
	}

	switch ev.kind {
	case inConnect:
		switch m.state {
		case Connecting, Connected:
			return m, nil
		case Reconnecting:
			m.state = Connecting
			return m, []effect{{kind: effCancelRetry}, {kind: effDial}}
		case Failed:
			m.attempt = 0
		}
		m.state = Connecting
		return m, []effect{{kind: effDial}}

	case inAuthGained:
		if m.state != Disconnected {
			return m, nil
		}
		m.state = Connecting
		return m, []effect{{kind: effDial}}

	case inAuthLost:
		if m.state == Disconnected {
			return m, nil
		}
		m.state = Disconnected
		m.attempt = 0
		return m, []effect{
			{kind: effCancelRetry},
			{kind: effStopHeartbeat},
			{kind: effCloseSocket},
		}

	case inOpened:
		if m.state != Connecting {
			return m, nil
		}
		m.state = Connected
		m.attempt = 0
		return m, []effect{{kind: effFlush}, {kind: effStartHeartbeat}}

	case inClosed:
		if m.state != Connecting && m.state != Connected {
			return m, nil
		}
		effects := []effect{{kind: effStopHeartbeat}, {kind: effCloseSocket}}

		if ev.clean || !ev.authenticated {
			m.state = Disconnected
			m.attempt = 0
			return m, effects
		}

		if m.policy.Exhausted(m.attempt) {
			m.state = Failed
			return m, append(effects,
				effect{kind: effClearQueue, err: ErrRetriesExhausted},
				effect{
					kind: effFatal,
					msg:  fmt.Sprintf("Unable to reach the server after %d attempts", m.attempt),
				},
			)
		}

		m.attempt++
		m.state = Reconnecting
		effects = append(effects, effect{kind: effScheduleRetry, delay: m.policy.Delay(m.attempt)})
		if m.attempt == 1 {
			effects = append(effects, effect{kind: effWarn, msg: "Connection lost. Reconnecting..."})
		}
		return m, effects

	case inRetryDue:
		if m.state != Reconnecting {
			return m, nil
		}
		if !ev.authenticated {
			m.state = Disconnected
			m.attempt = 0
			return m, nil
		}
		m.state = Connecting
		return m, []effect{{kind: effDial}}

	case inDisconnect, inStop:
		err := ErrDisconnected
		if ev.kind == inStop {
			m.stopped = true
			err = ErrManagerStopped
		}
		m.state = Disconnected
		m.attempt = 0
		return m, []effect{
			{kind: effCancelRetry},
			{kind: effStopHeartbeat},
			{kind: effCloseSocket},
			{kind: effClearQueue, err: err},
		}
	}

	return m, nil
}

// SPDX-License-Identifier: GPL-2.0-only

package bridge

import "github.com/efficientgo/core/errors"

// State is the lifecycle stage of a bridge session. Closed is terminal and
// reachable from every other state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAttached
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAttached:
		return "attached"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ErrInvalidState is returned when an operation is called out of order.
var ErrInvalidState = errors.New("operation not allowed in current session state")

func invalidState(op string, want, have State) error {
	return errors.Wrapf(ErrInvalidState, "%s requires state %s, session is %s", op, want, have)
}

package voice

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session.
type State string

const (
	// Disconnected is the initial state, and the state after leaving or a
	// terminal failure. Only JoinChannel leaves it.
	Disconnected State = "disconnected"
	// Authenticating waits for the credentials of the voice server.
	Authenticating State = "authenticating"
	// Connecting runs the voice gateway handshake and opens the transport.
	Connecting State = "connecting"
	// Connected sends and receives media.
	Connected State = "connected"
	// Reconnecting moves to a new voice server while connected.
	Reconnecting State = "reconnecting"
)

// State machine events.
const (
	evJoin          = "join"
	evAuthenticated = "authenticated"
	evConnected     = "connected"
	evReconnect     = "reconnect"
	evDisconnect    = "disconnect"
)

func newStateMachine(log logrus.FieldLogger) *fsm.FSM {
	return fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: evJoin, Src: []string{string(Disconnected)}, Dst: string(Authenticating)},
			{Name: evAuthenticated, Src: []string{string(Authenticating)}, Dst: string(Connecting)},
			{Name: evConnected, Src: []string{string(Connecting), string(Reconnecting)}, Dst: string(Connected)},
			{Name: evReconnect, Src: []string{string(Connected)}, Dst: string(Reconnecting)},
			{Name: evDisconnect, Src: []string{
				string(Authenticating),
				string(Connecting),
				string(Connected),
				string(Reconnecting),
			}, Dst: string(Disconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("voice session state changed")
			},
		},
	)
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// transition fires a state machine event and dispatches the resulting
// StateEvent. It returns false if the event isn't valid in the current state.
func (s *Session) transition(event string) bool {
	from := s.State()

	if err := s.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.log.WithError(err).WithField("event", event).Debug("invalid state transition")
		}
		return false
	}

	s.Handler.Dispatch(&StateEvent{From: from, To: s.State()})
	return true
}

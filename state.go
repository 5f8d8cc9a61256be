// Package smtpc provides a pure Go SMTP client protocol engine.
//
// smtpc is a protocol engine, not a mail sending library. It writes SMTP
// commands, keeps track of the replies the server still owes, supports
// multi-line replies and RFC 2920 pipelining, and hands every decoded
// reply to a caller-supplied Sink. The Mailer type builds a complete
// delivery on top of it.
package smtpc

import "errors"

// State represents the engine's view of the session.
// Commands may only be issued in StateIdle.
type State int

const (
	// StateDisconnected indicates no active connection.
	// This is the initial state and the state after QUIT or Disconnect.
	StateDisconnected State = iota

	// StateIdle indicates no reply is owed, or pipelined commands are
	// waiting to be flushed; new commands are accepted.
	StateIdle

	// StateAwaitingResponse indicates a command was sent and
	// ProcessResponses must be called before the next one.
	StateAwaitingResponse

	// StateSendingData indicates the server accepted DATA and the engine
	// waits for the message content through Send.
	StateSendingData
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateIdle:
		return "Idle"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateSendingData:
		return "SendingData"
	default:
		return "Unknown"
	}
}

// StateTransition represents a transition from one state to another.
type StateTransition struct {
	From State
	To   State

	// Tag is the command whose write or reply caused the transition;
	// TagRaw for Disconnect and SetPipelining.
	Tag Tag
}

// StateObserver receives notifications of state transitions.
// It is called with the engine lock held and must not call back into
// the engine.
type StateObserver interface {
	// OnStateChange is called after a state transition.
	OnStateChange(transition StateTransition)
}

// NullStateObserver is a no-op StateObserver.
type NullStateObserver struct{}

func (NullStateObserver) OnStateChange(_ StateTransition) {}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(StateTransition)

func (f StateObserverFunc) OnStateChange(t StateTransition) { f(t) }

// engineState is the mutable protocol bookkeeping owned by an Engine.
type engineState struct {
	// mustProcess: a command was flushed and its reply not yet read.
	mustProcess bool

	// sendingData: DATA was accepted; the server waits for content.
	sendingData bool

	// pipeliningSupported: the last EHLO reply advertised PIPELINING.
	pipeliningSupported bool

	// pipeliningEnabled: the caller opted into pipelining.
	pipeliningEnabled bool

	// unflushed: pipelined commands were written but not flushed.
	unflushed bool

	// inReply: continuation lines of the front tag's reply were consumed.
	inReply bool

	// discarding: the sink aborted this reply; remaining lines are read
	// without dispatch.
	discarding bool

	connected bool
}

func (s *engineState) state() State {
	switch {
	case !s.connected:
		return StateDisconnected
	case s.sendingData:
		return StateSendingData
	case s.mustProcess:
		return StateAwaitingResponse
	default:
		return StateIdle
	}
}

// Usage errors. They are returned synchronously by the method that was
// called in the wrong state and nothing is written to the transport.
var (
	// ErrMustProcess indicates replies are outstanding; call
	// ProcessResponses first.
	ErrMustProcess = errors.New("responses pending: call ProcessResponses first")

	// ErrSendingData indicates the server waits for message content; call
	// Send first.
	ErrSendingData = errors.New("DATA accepted: send the message body first")

	// ErrNotSendingData indicates Send was called without an accepted DATA.
	ErrNotSendingData = errors.New("no DATA command has been accepted")

	// ErrNotConnected indicates the operation needs an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates Connect was called on an open session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrPipeliningUnsupported indicates the server did not advertise
	// PIPELINING in its EHLO reply.
	ErrPipeliningUnsupported = errors.New("server does not support PIPELINING")

	// ErrInvalidArgument indicates a missing or out-of-range argument.
	ErrInvalidArgument = errors.New("invalid argument")
)

// StateConflictError indicates a command was issued while the engine
// could not accept it.
type StateConflictError struct {
	// Op is the method that was called, e.g. "MAIL".
	Op string

	// State is the engine state at the time of the call.
	State State

	// Err is ErrMustProcess, ErrSendingData, ErrNotSendingData or
	// ErrNotConnected.
	Err error
}

func (e *StateConflictError) Error() string {
	return "smtpc: " + e.Op + " in state " + e.State.String() + ": " + e.Err.Error()
}

func (e *StateConflictError) Unwrap() error {
	return e.Err
}

// checkCommand validates that a new command may be written.
func (s *engineState) checkCommand(op string) error {
	var err error
	switch {
	case !s.connected:
		err = ErrNotConnected
	case s.sendingData:
		err = ErrSendingData
	case s.mustProcess:
		err = ErrMustProcess
	default:
		return nil
	}
	return &StateConflictError{Op: op, State: s.state(), Err: err}
}

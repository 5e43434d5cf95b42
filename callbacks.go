package tether

// SessionEvent describes session reaching Established or Closed state.
type SessionEvent struct {
	SessionID uint32
	State     State

	// ServerSide is true when the session was accepted from the peer.
	ServerSide bool

	// Local is true when the transition was initiated by this side.
	Local bool
}

// Callbacks receive events produced by sessions.
// They are never called while registry or timer locks are held.
type Callbacks interface {
	// OnSessionEvent is called once when session is established and once when it is closed.
	OnSessionEvent(s *Session, event SessionEvent)

	// OnData is called when application data is fully received.
	OnData(s *Session, isReply bool, payload []byte)

	// OnError is called on protocol errors and delivery timeouts. Session is nil if unknown.
	OnError(s *Session, kind ErrorKind, message string)
}

// Responder may be implemented by Callbacks to return a result inside the acknowledgement of
// the dynamic data message. If implemented, it is called instead of OnData for acknowledged
// dynamic messages.
type Responder interface {
	Respond(s *Session, payload []byte) []byte
}

// NopCallbacks ignores all the events. It may be embedded to implement only some of the callbacks.
type NopCallbacks struct{}

// OnSessionEvent does nothing.
func (NopCallbacks) OnSessionEvent(*Session, SessionEvent) {}

// OnData does nothing.
func (NopCallbacks) OnData(*Session, bool, []byte) {}

// OnError does nothing.
func (NopCallbacks) OnError(*Session, ErrorKind, string) {}

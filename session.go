package tether

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/transport"
	"github.com/outofforest/tether/wire"
)

// State is the handshake state of the session.
type State uint8

// Session states.
const (
	Connecting State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the logical conversation bound to one transport connection.
type Session struct {
	handler    *Handler
	transport  transport.Transport
	serverSide bool
	offeredID  uint32
	callbacks  Callbacks

	id          atomic.Uint32
	messageID   atomic.Uint64
	established chan struct{}
	closed      chan struct{}

	mu       sync.Mutex
	state    State
	outgoing map[uint64]*outgoingTransfer
	incoming map[uint64]*incomingTransfer
}

func newSession(h *Handler, t transport.Transport, serverSide bool) *Session {
	return &Session{
		handler:     h,
		transport:   t,
		serverSide:  serverSide,
		callbacks:   NopCallbacks{},
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		outgoing:    map[uint64]*outgoingTransfer{},
		incoming:    map[uint64]*incomingTransfer{},
	}
}

// ID returns session ID.
// On the initiating side it changes once, when the peer assigns the complete ID during handshake.
func (s *Session) ID() uint32 {
	return s.id.Load()
}

// State returns current state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ServerSide tells if session was accepted from the peer.
func (s *Session) ServerSide() bool {
	return s.serverSide
}

// Transport returns transport the session is bound to.
func (s *Session) Transport() transport.Transport {
	return s.transport
}

// WaitEstablished waits until handshake is completed.
func (s *Session) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case <-s.established:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Closed returns channel closed when session reaches Closed state.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Close starts closing handshake. Session is closed when peer replies.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != Established {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = Closing
	s.mu.Unlock()

	return s.send(&wire.SessionCloseStart{Header: s.header(wire.FlagAckRequired)})
}

// Drop removes the session locally without notifying the peer.
// It is meant for the owner reacting to delivery timeouts.
func (s *Session) Drop() {
	s.handler.finish(s, true)
}

func (s *Session) header(flags wire.Flags) wire.Header {
	return wire.Header{
		Flags:     flags,
		SessionID: s.ID(),
		MessageID: s.messageID.Add(1),
	}
}

func (s *Session) send(msg wire.Message) error {
	frame := wire.Encode(msg)
	h := msg.Head()
	if h.AckRequired() {
		s.handler.engine.track(s, msg.Kind(), *h, frame)
	}
	if err := s.transport.Send(frame); err != nil {
		s.handler.log.Debug("Sending message failed",
			zap.Uint32("sessionID", h.SessionID),
			zap.Uint64("messageID", h.MessageID),
			zap.Stringer("kind", msg.Kind()),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) sendHeartbeat() error {
	return s.send(&wire.HeartbeatStart{Header: s.header(wire.FlagAckRequired)})
}

func (s *Session) establish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connecting {
		return false
	}
	s.state = Established
	close(s.established)
	return true
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return false
	}
	s.state = Closed
	close(s.closed)

	for id, out := range s.outgoing {
		out.signal(ErrSessionClosed)
		delete(s.outgoing, id)
	}
	clear(s.incoming)
	return true
}

func (s *Session) requireEstablished() error {
	if s.State() != Established {
		return ErrSessionClosed
	}
	return nil
}

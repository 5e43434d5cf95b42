package tether

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/transport"
	"github.com/outofforest/tether/wire"
)

// Receive decodes one message from the beginning of buf and dispatches it.
// It returns the number of bytes consumed, zero if buf does not contain the whole message yet.
//
// Header of unsupported version is answered with ErrorFalseVersion unless it carries a known
// error kind, so two peers speaking different versions do not exchange errors forever.
func (h *Handler) Receive(t transport.Transport, buf []byte) int {
	header, err := wire.DecodeHeader(buf)
	if err != nil {
		return 0
	}

	if header.Version != wire.ProtocolVersion {
		h.log.Warn("Unsupported protocol version",
			zap.Uint8("version", header.Version),
			zap.Stringer("transport", t))
		if !isErrorKind(header.Kind()) {
			h.sendTo(t, &wire.ErrorFalseVersion{
				Header:           replyHeader(header),
				ReceivedVersion:  header.Version,
				SupportedVersion: wire.ProtocolVersion,
			})
		}
		h.callbacks.OnError(nil, ProtocolVersionMismatch,
			fmt.Sprintf("received version %d, supported version %d", header.Version, wire.ProtocolVersion))
		return wire.HeaderSize
	}

	_, size, err := wire.FrameSize(buf, h.config.MaxSinglePayload)
	switch {
	case err == nil:
	case errors.Is(err, wire.ErrNeedMoreData):
		return 0
	case errors.Is(err, wire.ErrUnknownType):
		h.log.Debug("Dropping message of unknown type", zap.Uint8("type", uint8(header.Type)))
		return wire.HeaderSize
	default:
		h.rejectInvalid(t, h.lookup(t, header.SessionID), header, err.Error())
		return wire.HeaderSize
	}

	if len(buf) < size {
		return 0
	}

	msg, _, err := wire.Decode(buf[:size])
	if err != nil {
		h.rejectInvalid(t, h.lookup(t, header.SessionID), header, err.Error())
		return size
	}

	switch header.Type {
	case wire.TypeSession:
		h.processSession(t, msg)
	case wire.TypeHeartbeat:
		h.processHeartbeat(t, msg)
	case wire.TypeError:
		h.processError(t, msg)
	case wire.TypeData:
		if s := h.requireSession(t, header); s != nil {
			h.processData(s, msg)
		}
	}
	return size
}

func (h *Handler) processSession(t transport.Transport, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.SessionInitStart:
		h.processInitStart(t, m)
	case *wire.SessionInitReply:
		h.processInitReply(t, m)
	case *wire.SessionCloseStart:
		h.sendTo(t, &wire.SessionCloseReply{Header: replyHeader(m.Header)})
		if s := h.lookup(t, m.Header.SessionID); s != nil {
			h.finish(s, false)
		}
	case *wire.SessionCloseReply:
		h.engine.ack(m.Header.SessionID, m.Header.MessageID)
		if s := h.lookup(t, m.Header.SessionID); s != nil && s.State() == Closing {
			h.finish(s, true)
		}
	}
}

func (h *Handler) processInitStart(t transport.Transport, m *wire.SessionInitStart) {
	offered := m.OfferedSessionID

	// Init retransmitted because our reply was lost.
	if s := h.registry.find(func(s *Session) bool {
		return s.serverSide && s.transport == t && s.offeredID == offered
	}); s != nil {
		h.sendInitReply(t, s, m.Header)
		return
	}

	s := newSession(h, t, true)
	s.offeredID = offered
	if _, err := h.registry.addNew(s, true, func(half uint16) uint32 {
		return uint32(half)<<16 | offered&0xffff
	}); err != nil {
		h.log.Error("Registering session failed", zap.Uint32("offeredSessionID", offered), zap.Error(err))
		h.callbacks.OnError(nil, DuplicateSessionID, err.Error())
		return
	}

	h.sendInitReply(t, s, m.Header)
	h.establish(s, false)
}

func (h *Handler) sendInitReply(t transport.Transport, s *Session, header wire.Header) {
	h.sendTo(t, &wire.SessionInitReply{
		Header: wire.Header{
			SessionID: s.ID(),
			MessageID: header.MessageID,
		},
		CompleteSessionID: s.ID(),
		OfferedSessionID:  s.offeredID,
	})
}

func (h *Handler) processInitReply(t transport.Transport, m *wire.SessionInitReply) {
	h.engine.ack(m.OfferedSessionID, m.Header.MessageID)

	s := h.lookup(t, m.OfferedSessionID)
	if s == nil || s.serverSide || s.State() != Connecting {
		h.log.Debug("Ignoring unexpected init reply",
			zap.Uint32("offeredSessionID", m.OfferedSessionID),
			zap.Uint32("sessionID", m.CompleteSessionID))
		return
	}

	if err := h.registry.rekey(s, m.OfferedSessionID, m.CompleteSessionID); err != nil {
		h.log.Error("Re-keying session failed",
			zap.Uint32("offeredSessionID", m.OfferedSessionID),
			zap.Uint32("sessionID", m.CompleteSessionID),
			zap.Error(err))
		s.callbacks.OnError(s, DuplicateSessionID, err.Error())
		h.finish(s, true)
		return
	}

	h.establish(s, true)
}

func (h *Handler) processHeartbeat(t transport.Transport, msg wire.Message) {
	header := *msg.Head()
	s := h.requireSession(t, header)
	if s == nil {
		return
	}

	switch msg.(type) {
	case *wire.HeartbeatStart:
		_ = s.send(&wire.HeartbeatReply{Header: replyHeader(header)})
	case *wire.HeartbeatReply:
		h.engine.ack(header.SessionID, header.MessageID)
	}
}

func (h *Handler) processError(t transport.Transport, msg wire.Message) {
	header := *msg.Head()
	h.engine.ack(header.SessionID, header.MessageID)

	var (
		kind    ErrorKind
		message string
	)
	switch m := msg.(type) {
	case *wire.ErrorFalseVersion:
		kind = ProtocolVersionMismatch
		message = fmt.Sprintf("peer supports version %d, received %d", m.SupportedVersion, m.ReceivedVersion)
	case *wire.ErrorUnknownSession:
		kind = UnknownSession
		message = fmt.Sprintf("peer does not know session %d", m.UnknownSessionID)
	case *wire.ErrorInvalidMessage:
		kind = InvalidMessage
		message = fmt.Sprintf("peer rejected message %s", wire.KindOf(m.MessageType, m.MessageSubType))
	}

	h.log.Warn("Peer reported error",
		zap.Uint32("sessionID", header.SessionID),
		zap.Uint64("messageID", header.MessageID),
		zap.Stringer("error", kind),
		zap.String("message", message))

	if s := h.lookup(t, header.SessionID); s != nil {
		s.callbacks.OnError(s, kind, message)
		return
	}
	h.callbacks.OnError(nil, kind, message)
}

func isErrorKind(k wire.Kind) bool {
	switch k {
	case wire.KindErrorFalseVersion, wire.KindErrorUnknownSession, wire.KindErrorInvalidMessage:
		return true
	default:
		return false
	}
}

// lookup returns session registered under the ID and bound to the transport.
func (h *Handler) lookup(t transport.Transport, sessionID uint32) *Session {
	s := h.registry.get(sessionID)
	if s == nil || s.transport != t {
		return nil
	}
	return s
}

// requireSession returns session the message belongs to. Peer is notified if the session is unknown.
func (h *Handler) requireSession(t transport.Transport, header wire.Header) *Session {
	if s := h.lookup(t, header.SessionID); s != nil {
		return s
	}

	h.log.Warn("Message for unknown session",
		zap.Uint32("sessionID", header.SessionID),
		zap.Uint64("messageID", header.MessageID),
		zap.Stringer("kind", header.Kind()))
	h.sendTo(t, &wire.ErrorUnknownSession{
		Header:           replyHeader(header),
		UnknownSessionID: header.SessionID,
	})
	h.callbacks.OnError(nil, UnknownSession, fmt.Sprintf("message %s for unknown session %d",
		header.Kind(), header.SessionID))
	return nil
}

func (h *Handler) reportInvalid(s *Session, header wire.Header, message string) {
	h.rejectInvalid(s.transport, s, header, message)
}

// rejectInvalid reports invalid message locally and to the peer.
// Invalid error messages are not answered.
func (h *Handler) rejectInvalid(t transport.Transport, s *Session, header wire.Header, message string) {
	h.log.Warn("Invalid message",
		zap.Uint32("sessionID", header.SessionID),
		zap.Uint64("messageID", header.MessageID),
		zap.Stringer("kind", header.Kind()),
		zap.String("reason", message))

	if header.Type != wire.TypeError {
		h.sendTo(t, &wire.ErrorInvalidMessage{
			Header:         replyHeader(header),
			MessageType:    header.Type,
			MessageSubType: header.SubType,
		})
	}

	if s != nil {
		s.callbacks.OnError(s, InvalidMessage, message)
		return
	}
	h.callbacks.OnError(nil, InvalidMessage, message)
}

// sendTo sends untracked message directly to the transport.
func (h *Handler) sendTo(t transport.Transport, msg wire.Message) {
	if err := t.Send(wire.Encode(msg)); err != nil {
		h.log.Debug("Sending message failed",
			zap.Stringer("kind", msg.Kind()),
			zap.Stringer("transport", t),
			zap.Error(err))
	}
}

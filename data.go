package tether

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/tether/wire"
)

type outgoingTransfer struct {
	ready   chan error
	aborted atomic.Bool
}

func (t *outgoingTransfer) signal(err error) {
	select {
	case t.ready <- err:
	default:
	}
}

type incomingTransfer struct {
	TotalSize uint64
	Buf       []byte
}

// Send sends payload using the smallest message kind able to carry it.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	switch {
	case len(payload) <= wire.StaticPayloadCapacity:
		return s.SendStatic(payload)
	case uint64(len(payload)) <= s.handler.config.MaxSinglePayload:
		return s.SendDynamic(payload)
	default:
		return s.SendMulti(ctx, payload)
	}
}

// SendStatic sends small payload in one frame without acknowledgement.
func (s *Session) SendStatic(payload []byte) error {
	if len(payload) > wire.StaticPayloadCapacity {
		return errors.Wrapf(ErrPayloadTooLarge, "static payload %d bytes, capacity %d", len(payload),
			wire.StaticPayloadCapacity)
	}
	if err := s.requireEstablished(); err != nil {
		return err
	}
	return s.send(&wire.DataSingleStatic{Header: s.header(0), Payload: payload})
}

// SendDynamic sends payload in one frame. Delivery is acknowledged by the peer.
func (s *Session) SendDynamic(payload []byte) error {
	if uint64(len(payload)) > s.handler.config.MaxSinglePayload {
		return errors.Wrapf(ErrPayloadTooLarge, "dynamic payload %d bytes, limit %d", len(payload),
			s.handler.config.MaxSinglePayload)
	}
	if err := s.requireEstablished(); err != nil {
		return err
	}
	return s.send(&wire.DataSingleDynamic{Header: s.header(wire.FlagAckRequired), Payload: payload})
}

// SendMulti sends payload split into chunks. It waits until peer accepts the transfer, then sends chunks
// one after another. If context is canceled, transfer is aborted.
func (s *Session) SendMulti(ctx context.Context, payload []byte) error {
	if err := s.requireEstablished(); err != nil {
		return err
	}

	h := s.header(wire.FlagAckRequired)
	out := &outgoingTransfer{ready: make(chan error, 1)}

	s.mu.Lock()
	s.outgoing[h.MessageID] = out
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.outgoing, h.MessageID)
		s.mu.Unlock()
	}()

	if err := s.send(&wire.DataMultiInit{Header: h, TotalSize: uint64(len(payload))}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.handler.engine.ack(h.SessionID, h.MessageID)
		s.abort(h.MessageID)
		return errors.WithStack(ctx.Err())
	case err := <-out.ready:
		if err != nil {
			return err
		}
	}

	chunkSize := s.handler.config.MultiChunkSize
	var partID uint32
	for offset := 0; offset < len(payload); offset += chunkSize {
		if out.aborted.Load() {
			return errors.WithStack(ErrTransferAborted)
		}
		if ctx.Err() != nil {
			s.abort(h.MessageID)
			return errors.WithStack(ctx.Err())
		}

		partID++
		if err := s.send(&wire.DataMultiStatic{
			Header:         s.header(0),
			MultiMessageID: h.MessageID,
			PartID:         partID,
			Payload:        payload[offset:min(offset+chunkSize, len(payload))],
		}); err != nil {
			return err
		}
	}

	if out.aborted.Load() {
		return errors.WithStack(ErrTransferAborted)
	}
	return s.send(&wire.DataMultiFinish{
		Header:         s.header(0),
		MultiMessageID: h.MessageID,
		TotalSize:      uint64(len(payload)),
	})
}

func (s *Session) abort(multiMessageID uint64) {
	_ = s.send(&wire.DataMultiAbort{Header: s.header(0), MultiMessageID: multiMessageID})
}

func (s *Session) failOutgoing(multiMessageID uint64, err error) {
	s.mu.Lock()
	out := s.outgoing[multiMessageID]
	s.mu.Unlock()

	if out == nil {
		return
	}
	if errors.Is(err, ErrTransferAborted) {
		out.aborted.Store(true)
	}
	out.signal(err)
}

func (h *Handler) processData(s *Session, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.DataSingleStatic:
		s.callbacks.OnData(s, false, m.Payload)
	case *wire.DataSingleDynamic:
		h.processSingleDynamic(s, m)
	case *wire.DataSingleReply:
		h.engine.ack(m.Header.SessionID, m.Header.MessageID)
		if len(m.Payload) > 0 {
			s.callbacks.OnData(s, true, m.Payload)
		}
	case *wire.DataMultiInit:
		h.processMultiInit(s, m)
	case *wire.DataMultiInitReply:
		h.engine.ack(m.Header.SessionID, m.Header.MessageID)
		if m.Status == wire.MultiStatusOK {
			s.failOutgoing(m.Header.MessageID, nil)
		} else {
			s.failOutgoing(m.Header.MessageID, errors.WithStack(ErrTransferRejected))
		}
	case *wire.DataMultiStatic:
		h.processMultiStatic(s, m)
	case *wire.DataMultiFinish:
		h.processMultiFinish(s, m)
	case *wire.DataMultiAbort:
		h.engine.ack(m.Header.SessionID, m.MultiMessageID)
		s.mu.Lock()
		delete(s.incoming, m.MultiMessageID)
		s.mu.Unlock()
		s.failOutgoing(m.MultiMessageID, errors.WithStack(ErrTransferAborted))
	}
}

func (h *Handler) processSingleDynamic(s *Session, m *wire.DataSingleDynamic) {
	if !m.Header.AckRequired() {
		s.callbacks.OnData(s, false, m.Payload)
		return
	}

	var result []byte
	if r, ok := s.callbacks.(Responder); ok {
		result = r.Respond(s, m.Payload)
	} else {
		s.callbacks.OnData(s, false, m.Payload)
	}
	_ = s.send(&wire.DataSingleReply{Header: replyHeader(m.Header), Payload: result})
}

func (h *Handler) processMultiInit(s *Session, m *wire.DataMultiInit) {
	status := wire.MultiStatusOK

	s.mu.Lock()
	t, exists := s.incoming[m.Header.MessageID]
	switch {
	case exists && len(t.Buf) == 0 && t.TotalSize == m.TotalSize:
		// Retransmitted init, reply again.
	case exists, m.TotalSize > h.config.MaxMultiSize:
		status = wire.MultiStatusRejected
	default:
		s.incoming[m.Header.MessageID] = &incomingTransfer{
			TotalSize: m.TotalSize,
			Buf:       make([]byte, 0, m.TotalSize),
		}
	}
	s.mu.Unlock()

	_ = s.send(&wire.DataMultiInitReply{Header: replyHeader(m.Header), Status: status})
}

func (h *Handler) processMultiStatic(s *Session, m *wire.DataMultiStatic) {
	s.mu.Lock()
	t := s.incoming[m.MultiMessageID]
	var overflow bool
	if t != nil {
		if uint64(len(t.Buf))+uint64(len(m.Payload)) > t.TotalSize {
			overflow = true
			delete(s.incoming, m.MultiMessageID)
		} else {
			t.Buf = append(t.Buf, m.Payload...)
		}
	}
	s.mu.Unlock()

	switch {
	case t == nil:
		h.rejectTransfer(s, m.Header, m.MultiMessageID, "chunk of unknown multi-part transfer")
	case overflow:
		h.rejectTransfer(s, m.Header, m.MultiMessageID,
			fmt.Sprintf("multi-part transfer exceeds declared size %d", t.TotalSize))
	}
}

func (h *Handler) processMultiFinish(s *Session, m *wire.DataMultiFinish) {
	s.mu.Lock()
	t := s.incoming[m.MultiMessageID]
	delete(s.incoming, m.MultiMessageID)
	s.mu.Unlock()

	switch {
	case t == nil:
		h.rejectTransfer(s, m.Header, m.MultiMessageID, "finish of unknown multi-part transfer")
	case uint64(len(t.Buf)) != t.TotalSize || m.TotalSize != t.TotalSize:
		h.rejectTransfer(s, m.Header, m.MultiMessageID,
			fmt.Sprintf("multi-part transfer finished with %d bytes, declared %d", len(t.Buf), t.TotalSize))
	default:
		s.callbacks.OnData(s, false, t.Buf)
	}
}

// rejectTransfer reports broken multi-part transfer and tells the sender to stop.
func (h *Handler) rejectTransfer(s *Session, header wire.Header, multiMessageID uint64, message string) {
	h.reportInvalid(s, header, message)
	s.abort(multiMessageID)
}

func replyHeader(h wire.Header) wire.Header {
	return wire.Header{
		SessionID: h.SessionID,
		MessageID: h.MessageID,
	}
}

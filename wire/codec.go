package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrNeedMoreData is returned when buffer does not contain enough bytes yet.
	ErrNeedMoreData = errors.New("need more data")

	// ErrInvalidMessage is returned when message is malformed or truncated.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrFalseVersion is returned when message carries unsupported protocol version.
	ErrFalseVersion = errors.New("unsupported protocol version")

	// ErrUnknownType is returned when message type is not recognized.
	ErrUnknownType = errors.New("unknown message type")
)

var order = binary.LittleEndian

func init() {
	for k := range kindNames {
		msg, err := New(k)
		if err != nil {
			panic(err)
		}
		if msg.Size()%Alignment != 0 {
			panic(errors.Errorf("size %d of message %s is not a multiple of %d", msg.Size(), k, Alignment))
		}
	}
}

// New returns empty message of the kind.
func New(k Kind) (Message, error) {
	switch k {
	case KindSessionInitStart:
		return &SessionInitStart{}, nil
	case KindSessionInitReply:
		return &SessionInitReply{}, nil
	case KindSessionCloseStart:
		return &SessionCloseStart{}, nil
	case KindSessionCloseReply:
		return &SessionCloseReply{}, nil
	case KindHeartbeatStart:
		return &HeartbeatStart{}, nil
	case KindHeartbeatReply:
		return &HeartbeatReply{}, nil
	case KindErrorFalseVersion:
		return &ErrorFalseVersion{}, nil
	case KindErrorUnknownSession:
		return &ErrorUnknownSession{}, nil
	case KindErrorInvalidMessage:
		return &ErrorInvalidMessage{}, nil
	case KindDataSingleStatic:
		return &DataSingleStatic{}, nil
	case KindDataSingleDynamic:
		return &DataSingleDynamic{}, nil
	case KindDataSingleReply:
		return &DataSingleReply{}, nil
	case KindDataMultiInit:
		return &DataMultiInit{}, nil
	case KindDataMultiInitReply:
		return &DataMultiInitReply{}, nil
	case KindDataMultiStatic:
		return &DataMultiStatic{}, nil
	case KindDataMultiFinish:
		return &DataMultiFinish{}, nil
	case KindDataMultiAbort:
		return &DataMultiAbort{}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidMessage, "unknown kind %#04x", uint16(k))
	}
}

// Encode encodes message into newly allocated frame.
// Version, type and subtype of the header are set according to the message kind.
func Encode(msg Message) []byte {
	h := msg.Head()
	k := msg.Kind()
	h.Version = ProtocolVersion
	h.Type = k.Type()
	h.SubType = k.SubType()

	buf := make([]byte, msg.Size())
	putHeader(buf, *h)
	msg.marshalBody(buf[HeaderSize:])
	return buf
}

// DecodeHeader decodes the common header without looking further into the buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrNeedMoreData
	}
	return Header{
		Version:   buf[0],
		Type:      Type(buf[1]),
		SubType:   buf[2],
		Flags:     Flags(buf[3]),
		SessionID: order.Uint32(buf[4:]),
		MessageID: order.Uint64(buf[8:]),
	}, nil
}

// FrameSize returns the size of the frame starting at the beginning of the buffer.
// ErrNeedMoreData is returned if the length of variable-size frame is not buffered yet.
func FrameSize(buf []byte, maxPayload uint64) (Header, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, 0, err
	}
	if h.Version != ProtocolVersion {
		return h, 0, ErrFalseVersion
	}
	switch h.Type {
	case TypeSession, TypeHeartbeat, TypeError, TypeData:
	default:
		return h, 0, ErrUnknownType
	}

	msg, err := New(h.Kind())
	if err != nil {
		return h, 0, err
	}

	switch h.Kind() {
	case KindDataSingleDynamic, KindDataSingleReply:
		if len(buf) < HeaderSize+8 {
			return h, 0, ErrNeedMoreData
		}
		payloadSize := order.Uint64(buf[HeaderSize:])
		maxPayload = min(maxPayload, MaxPayloadSize)
		if payloadSize > maxPayload {
			return h, 0, errors.Wrapf(ErrInvalidMessage, "payload size %d exceeds limit %d", payloadSize, maxPayload)
		}
		return h, dynamicSize(int(payloadSize)), nil
	default:
		return h, msg.Size(), nil
	}
}

// Decode decodes complete message from the buffer and returns the number of bytes it occupies.
// Buffer shorter than the size declared by the message is reported as ErrInvalidMessage.
func Decode(buf []byte) (Message, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, errors.Wrap(ErrInvalidMessage, "truncated header")
	}
	if h.Version != ProtocolVersion {
		return nil, 0, ErrFalseVersion
	}

	msg, err := New(h.Kind())
	if err != nil {
		return nil, 0, err
	}
	*msg.Head() = h

	if err := msg.unmarshalBody(buf[HeaderSize:]); err != nil {
		return nil, 0, err
	}
	return msg, msg.Size(), nil
}

func putHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	buf[2] = h.SubType
	buf[3] = uint8(h.Flags)
	order.PutUint32(buf[4:], h.SessionID)
	order.PutUint64(buf[8:], h.MessageID)
}

func align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func dynamicSize(payloadSize int) int {
	return HeaderSize + 8 + align(payloadSize)
}

func requireBody(buf []byte, size int) error {
	if len(buf) < size-HeaderSize {
		return errors.Wrapf(ErrInvalidMessage, "expected %d bytes, got %d", size, len(buf)+HeaderSize)
	}
	return nil
}

func copyPayload(buf []byte, size uint64) ([]byte, error) {
	if size > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrInvalidMessage, "declared payload %d exceeds remaining %d bytes", size,
			len(buf))
	}
	payload := make([]byte, size)
	copy(payload, buf)
	return payload, nil
}

// Kind returns message kind.
func (m *SessionInitStart) Kind() Kind { return KindSessionInitStart }

// Head returns message header.
func (m *SessionInitStart) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *SessionInitStart) Size() int { return 24 }

func (m *SessionInitStart) marshalBody(buf []byte) {
	order.PutUint32(buf, m.OfferedSessionID)
}

func (m *SessionInitStart) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.OfferedSessionID = order.Uint32(buf)
	return nil
}

// Kind returns message kind.
func (m *SessionInitReply) Kind() Kind { return KindSessionInitReply }

// Head returns message header.
func (m *SessionInitReply) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *SessionInitReply) Size() int { return 24 }

func (m *SessionInitReply) marshalBody(buf []byte) {
	order.PutUint32(buf, m.CompleteSessionID)
	order.PutUint32(buf[4:], m.OfferedSessionID)
}

func (m *SessionInitReply) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.CompleteSessionID = order.Uint32(buf)
	m.OfferedSessionID = order.Uint32(buf[4:])
	return nil
}

// Kind returns message kind.
func (m *SessionCloseStart) Kind() Kind { return KindSessionCloseStart }

// Head returns message header.
func (m *SessionCloseStart) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *SessionCloseStart) Size() int { return HeaderSize }

func (m *SessionCloseStart) marshalBody([]byte) {}

func (m *SessionCloseStart) unmarshalBody([]byte) error { return nil }

// Kind returns message kind.
func (m *SessionCloseReply) Kind() Kind { return KindSessionCloseReply }

// Head returns message header.
func (m *SessionCloseReply) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *SessionCloseReply) Size() int { return HeaderSize }

func (m *SessionCloseReply) marshalBody([]byte) {}

func (m *SessionCloseReply) unmarshalBody([]byte) error { return nil }

// Kind returns message kind.
func (m *HeartbeatStart) Kind() Kind { return KindHeartbeatStart }

// Head returns message header.
func (m *HeartbeatStart) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *HeartbeatStart) Size() int { return HeaderSize }

func (m *HeartbeatStart) marshalBody([]byte) {}

func (m *HeartbeatStart) unmarshalBody([]byte) error { return nil }

// Kind returns message kind.
func (m *HeartbeatReply) Kind() Kind { return KindHeartbeatReply }

// Head returns message header.
func (m *HeartbeatReply) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *HeartbeatReply) Size() int { return HeaderSize }

func (m *HeartbeatReply) marshalBody([]byte) {}

func (m *HeartbeatReply) unmarshalBody([]byte) error { return nil }

// Kind returns message kind.
func (m *ErrorFalseVersion) Kind() Kind { return KindErrorFalseVersion }

// Head returns message header.
func (m *ErrorFalseVersion) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *ErrorFalseVersion) Size() int { return 24 }

func (m *ErrorFalseVersion) marshalBody(buf []byte) {
	buf[0] = m.ReceivedVersion
	buf[1] = m.SupportedVersion
}

func (m *ErrorFalseVersion) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.ReceivedVersion = buf[0]
	m.SupportedVersion = buf[1]
	return nil
}

// Kind returns message kind.
func (m *ErrorUnknownSession) Kind() Kind { return KindErrorUnknownSession }

// Head returns message header.
func (m *ErrorUnknownSession) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *ErrorUnknownSession) Size() int { return 24 }

func (m *ErrorUnknownSession) marshalBody(buf []byte) {
	order.PutUint32(buf, m.UnknownSessionID)
}

func (m *ErrorUnknownSession) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.UnknownSessionID = order.Uint32(buf)
	return nil
}

// Kind returns message kind.
func (m *ErrorInvalidMessage) Kind() Kind { return KindErrorInvalidMessage }

// Head returns message header.
func (m *ErrorInvalidMessage) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *ErrorInvalidMessage) Size() int { return 24 }

func (m *ErrorInvalidMessage) marshalBody(buf []byte) {
	buf[0] = uint8(m.MessageType)
	buf[1] = m.MessageSubType
}

func (m *ErrorInvalidMessage) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.MessageType = Type(buf[0])
	m.MessageSubType = buf[1]
	return nil
}

// Kind returns message kind.
func (m *DataSingleStatic) Kind() Kind { return KindDataSingleStatic }

// Head returns message header.
func (m *DataSingleStatic) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataSingleStatic) Size() int { return HeaderSize + 8 + StaticPayloadCapacity }

func (m *DataSingleStatic) marshalBody(buf []byte) {
	order.PutUint32(buf, uint32(len(m.Payload)))
	copy(buf[8:8+StaticPayloadCapacity], m.Payload)
}

func (m *DataSingleStatic) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	size := order.Uint32(buf)
	if size > StaticPayloadCapacity {
		return errors.Wrapf(ErrInvalidMessage, "static payload size %d exceeds capacity", size)
	}
	var err error
	m.Payload, err = copyPayload(buf[8:], uint64(size))
	return err
}

// Kind returns message kind.
func (m *DataSingleDynamic) Kind() Kind { return KindDataSingleDynamic }

// Head returns message header.
func (m *DataSingleDynamic) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataSingleDynamic) Size() int { return dynamicSize(len(m.Payload)) }

func (m *DataSingleDynamic) marshalBody(buf []byte) {
	order.PutUint64(buf, uint64(len(m.Payload)))
	copy(buf[8:], m.Payload)
}

func (m *DataSingleDynamic) unmarshalBody(buf []byte) error {
	var err error
	m.Payload, err = unmarshalDynamic(buf)
	return err
}

// Kind returns message kind.
func (m *DataSingleReply) Kind() Kind { return KindDataSingleReply }

// Head returns message header.
func (m *DataSingleReply) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataSingleReply) Size() int { return dynamicSize(len(m.Payload)) }

func (m *DataSingleReply) marshalBody(buf []byte) {
	order.PutUint64(buf, uint64(len(m.Payload)))
	copy(buf[8:], m.Payload)
}

func (m *DataSingleReply) unmarshalBody(buf []byte) error {
	var err error
	m.Payload, err = unmarshalDynamic(buf)
	return err
}

func unmarshalDynamic(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, errors.Wrap(ErrInvalidMessage, "truncated payload size")
	}
	size := order.Uint64(buf)
	if size > uint64(len(buf)-8) || align(int(size)) > len(buf)-8 {
		return nil, errors.Wrapf(ErrInvalidMessage, "declared payload %d exceeds remaining %d bytes", size,
			len(buf)-8)
	}
	return copyPayload(buf[8:], size)
}

// Kind returns message kind.
func (m *DataMultiInit) Kind() Kind { return KindDataMultiInit }

// Head returns message header.
func (m *DataMultiInit) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataMultiInit) Size() int { return 24 }

func (m *DataMultiInit) marshalBody(buf []byte) {
	order.PutUint64(buf, m.TotalSize)
}

func (m *DataMultiInit) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.TotalSize = order.Uint64(buf)
	return nil
}

// Kind returns message kind.
func (m *DataMultiInitReply) Kind() Kind { return KindDataMultiInitReply }

// Head returns message header.
func (m *DataMultiInitReply) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataMultiInitReply) Size() int { return 24 }

func (m *DataMultiInitReply) marshalBody(buf []byte) {
	buf[0] = m.Status
}

func (m *DataMultiInitReply) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.Status = buf[0]
	return nil
}

// Kind returns message kind.
func (m *DataMultiStatic) Kind() Kind { return KindDataMultiStatic }

// Head returns message header.
func (m *DataMultiStatic) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataMultiStatic) Size() int { return HeaderSize + 16 + MultiPayloadCapacity }

func (m *DataMultiStatic) marshalBody(buf []byte) {
	order.PutUint64(buf, m.MultiMessageID)
	order.PutUint32(buf[8:], m.PartID)
	order.PutUint32(buf[12:], uint32(len(m.Payload)))
	copy(buf[16:16+MultiPayloadCapacity], m.Payload)
}

func (m *DataMultiStatic) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.MultiMessageID = order.Uint64(buf)
	m.PartID = order.Uint32(buf[8:])
	size := order.Uint32(buf[12:])
	if size > MultiPayloadCapacity {
		return errors.Wrapf(ErrInvalidMessage, "chunk size %d exceeds capacity", size)
	}
	var err error
	m.Payload, err = copyPayload(buf[16:], uint64(size))
	return err
}

// Kind returns message kind.
func (m *DataMultiFinish) Kind() Kind { return KindDataMultiFinish }

// Head returns message header.
func (m *DataMultiFinish) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataMultiFinish) Size() int { return 32 }

func (m *DataMultiFinish) marshalBody(buf []byte) {
	order.PutUint64(buf, m.MultiMessageID)
	order.PutUint64(buf[8:], m.TotalSize)
}

func (m *DataMultiFinish) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.MultiMessageID = order.Uint64(buf)
	m.TotalSize = order.Uint64(buf[8:])
	return nil
}

// Kind returns message kind.
func (m *DataMultiAbort) Kind() Kind { return KindDataMultiAbort }

// Head returns message header.
func (m *DataMultiAbort) Head() *Header { return &m.Header }

// Size returns size of encoded message.
func (m *DataMultiAbort) Size() int { return 24 }

func (m *DataMultiAbort) marshalBody(buf []byte) {
	order.PutUint64(buf, m.MultiMessageID)
}

func (m *DataMultiAbort) unmarshalBody(buf []byte) error {
	if err := requireBody(buf, m.Size()); err != nil {
		return err
	}
	m.MultiMessageID = order.Uint64(buf)
	return nil
}

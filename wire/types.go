package wire

import "math"

// ProtocolVersion is the only protocol version understood by this implementation.
const ProtocolVersion uint8 = 1

const (
	// HeaderSize is the size of the common header prefixing every message.
	HeaderSize = 16

	// StaticPayloadCapacity is the payload capacity of DataSingleStatic.
	StaticPayloadCapacity = 1000

	// MultiPayloadCapacity is the payload capacity of one DataMultiStatic chunk.
	MultiPayloadCapacity = 992

	// Alignment is the alignment every encoded message size must respect.
	Alignment = 8

	// MaxPayloadSize is the largest payload size accepted in any frame or transfer.
	MaxPayloadSize = math.MaxInt32
)

// Type is the top level message type.
type Type uint8

// Message types.
const (
	TypeSession Type = iota + 1
	TypeHeartbeat
	TypeError
	TypeData
)

// Flags are the header flags.
type Flags uint8

// FlagAckRequired marks message tracked by the timer engine until its reply arrives.
const FlagAckRequired Flags = 0x01

// Kind identifies concrete message as a combination of type and subtype.
type Kind uint16

// Message kinds.
const (
	KindSessionInitStart Kind = Kind(TypeSession)<<8 | iota + 1
	KindSessionInitReply
	KindSessionCloseStart
	KindSessionCloseReply
)

// Heartbeat kinds.
const (
	KindHeartbeatStart Kind = Kind(TypeHeartbeat)<<8 | iota + 1
	KindHeartbeatReply
)

// Error kinds.
const (
	KindErrorFalseVersion Kind = Kind(TypeError)<<8 | iota + 1
	KindErrorUnknownSession
	KindErrorInvalidMessage
)

// Data kinds.
const (
	KindDataSingleStatic Kind = Kind(TypeData)<<8 | iota + 1
	KindDataSingleDynamic
	KindDataSingleReply
	KindDataMultiInit
	KindDataMultiInitReply
	KindDataMultiStatic
	KindDataMultiFinish
	KindDataMultiAbort
)

// KindOf returns kind built from type and subtype.
func KindOf(t Type, subType uint8) Kind {
	return Kind(t)<<8 | Kind(subType)
}

// Type returns the type part of the kind.
func (k Kind) Type() Type {
	return Type(k >> 8)
}

// SubType returns the subtype part of the kind.
func (k Kind) SubType() uint8 {
	return uint8(k)
}

var kindNames = map[Kind]string{
	KindSessionInitStart:    "session/init-start",
	KindSessionInitReply:    "session/init-reply",
	KindSessionCloseStart:   "session/close-start",
	KindSessionCloseReply:   "session/close-reply",
	KindHeartbeatStart:      "heartbeat/start",
	KindHeartbeatReply:      "heartbeat/reply",
	KindErrorFalseVersion:   "error/false-version",
	KindErrorUnknownSession: "error/unknown-session",
	KindErrorInvalidMessage: "error/invalid-message",
	KindDataSingleStatic:    "data/single-static",
	KindDataSingleDynamic:   "data/single-dynamic",
	KindDataSingleReply:     "data/single-reply",
	KindDataMultiInit:       "data/multi-init",
	KindDataMultiInitReply:  "data/multi-init-reply",
	KindDataMultiStatic:     "data/multi-static",
	KindDataMultiFinish:     "data/multi-finish",
	KindDataMultiAbort:      "data/multi-abort",
}

func (k Kind) String() string {
	if name, exists := kindNames[k]; exists {
		return name
	}
	return "unknown"
}

// Header is the common header of all the messages.
type Header struct {
	Version   uint8
	Type      Type
	SubType   uint8
	Flags     Flags
	SessionID uint32
	MessageID uint64
}

// Kind returns kind of the message described by the header.
func (h Header) Kind() Kind {
	return KindOf(h.Type, h.SubType)
}

// AckRequired tells if message must be tracked until reply is received.
func (h Header) AckRequired() bool {
	return h.Flags&FlagAckRequired != 0
}

// Message is implemented by every message kind.
type Message interface {
	Kind() Kind
	Head() *Header
	Size() int

	marshalBody(buf []byte)
	unmarshalBody(buf []byte) error
}

// SessionInitStart opens the session.
type SessionInitStart struct {
	Header           Header
	OfferedSessionID uint32
}

// SessionInitReply confirms the session and carries the complete session ID.
type SessionInitReply struct {
	Header            Header
	CompleteSessionID uint32
	OfferedSessionID  uint32
}

// SessionCloseStart starts closing the session.
type SessionCloseStart struct {
	Header Header
}

// SessionCloseReply confirms closing the session.
type SessionCloseReply struct {
	Header Header
}

// HeartbeatStart probes the liveness of the peer.
type HeartbeatStart struct {
	Header Header
}

// HeartbeatReply answers heartbeat.
type HeartbeatReply struct {
	Header Header
}

// ErrorFalseVersion is sent when message with unsupported version is received.
type ErrorFalseVersion struct {
	Header           Header
	ReceivedVersion  uint8
	SupportedVersion uint8
}

// ErrorUnknownSession is sent when message references unregistered session.
type ErrorUnknownSession struct {
	Header           Header
	UnknownSessionID uint32
}

// ErrorInvalidMessage is sent when malformed message is received.
type ErrorInvalidMessage struct {
	Header         Header
	MessageType    Type
	MessageSubType uint8
}

// DataSingleStatic carries small payload in a fixed size frame.
type DataSingleStatic struct {
	Header  Header
	Payload []byte
}

// DataSingleDynamic carries variable length payload in one frame.
type DataSingleDynamic struct {
	Header  Header
	Payload []byte
}

// DataSingleReply acknowledges DataSingleDynamic, optionally carrying application result.
type DataSingleReply struct {
	Header  Header
	Payload []byte
}

// DataMultiInit opens multi-part transfer.
type DataMultiInit struct {
	Header    Header
	TotalSize uint64
}

// Multi-part transfer statuses.
const (
	MultiStatusOK uint8 = iota
	MultiStatusRejected
)

// DataMultiInitReply answers DataMultiInit.
type DataMultiInitReply struct {
	Header Header
	Status uint8
}

// DataMultiStatic carries one chunk of multi-part transfer.
type DataMultiStatic struct {
	Header         Header
	MultiMessageID uint64
	PartID         uint32
	Payload        []byte
}

// DataMultiFinish completes multi-part transfer.
type DataMultiFinish struct {
	Header         Header
	MultiMessageID uint64
	TotalSize      uint64
}

// DataMultiAbort cancels multi-part transfer.
type DataMultiAbort struct {
	Header         Header
	MultiMessageID uint64
}

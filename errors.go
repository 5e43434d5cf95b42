package tether

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownSession is returned when session is not registered.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionClosed is returned when operation requires established session.
	ErrSessionClosed = errors.New("session is not established")

	// ErrDuplicateSessionID is returned when session ID is already registered.
	ErrDuplicateSessionID = errors.New("duplicate session ID")

	// ErrTransferAborted is returned when multi-part transfer is aborted.
	ErrTransferAborted = errors.New("transfer aborted")

	// ErrTransferRejected is returned when peer refuses multi-part transfer.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrDeliveryTimeout is returned when tracked message has not been acknowledged.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrPayloadTooLarge is returned when payload does not fit the requested message kind.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ErrorKind is the kind of error reported to the error callback.
type ErrorKind uint8

// Error kinds.
const (
	ProtocolVersionMismatch ErrorKind = iota + 1
	UnknownSession
	InvalidMessage
	DeliveryTimeout
	DuplicateSessionID
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolVersionMismatch:
		return "protocol version mismatch"
	case UnknownSession:
		return "unknown session"
	case InvalidMessage:
		return "invalid message"
	case DeliveryTimeout:
		return "delivery timeout"
	case DuplicateSessionID:
		return "duplicate session ID"
	default:
		return "unknown error"
	}
}

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/blegate/internal/ble"
)

// Kind classifies session failures reported to callers.
type Kind int

const (
	// KindTransportUnavailable: the adapter is not started or was closed.
	KindTransportUnavailable Kind = iota + 1
	// KindTimeout: a step exceeded its deadline. Retry by reissuing the command.
	KindTimeout
	// KindBondRejected: the user or peripheral declined bonding.
	KindBondRejected
	// KindSubscribe: a characteristic was missing or could not notify.
	KindSubscribe
	// KindAlreadyInProgress: another command is mid-transition for the peripheral.
	KindAlreadyInProgress
	// KindLinkFailed: the stack refused to establish or tear down the link.
	KindLinkFailed
	// KindNotReady: the peripheral is not in a state that allows the command.
	KindNotReady
	// KindSuperseded: a disconnect overtook the command before it completed.
	KindSuperseded
)

func (k Kind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "TransportUnavailable"
	case KindTimeout:
		return "Timeout"
	case KindBondRejected:
		return "BondRejected"
	case KindSubscribe:
		return "SubscribeError"
	case KindAlreadyInProgress:
		return "AlreadyInProgress"
	case KindLinkFailed:
		return "LinkFailed"
	case KindNotReady:
		return "NotReady"
	case KindSuperseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrBondRejected         = &Error{Kind: KindBondRejected}
	ErrSubscribe            = &Error{Kind: KindSubscribe}
	ErrAlreadyInProgress    = &Error{Kind: KindAlreadyInProgress}
	ErrLinkFailed           = &Error{Kind: KindLinkFailed}
	ErrNotReady             = &Error{Kind: KindNotReady}
	ErrSuperseded           = &Error{Kind: KindSuperseded}
)

// Error is the only error type the Manager returns. The transport error
// that caused it is rendered into Detail and is not unwrappable.
type Error struct {
	Kind         Kind
	Op           string
	PeripheralID string
	Detail       string
}

func (e *Error) Error() string {
	msg := "session: " + e.Kind.String()
	if e.Op != "" {
		msg = "session: " + e.Op + ": " + e.Kind.String()
	}
	if e.PeripheralID != "" {
		msg += " (" + e.PeripheralID + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of a session error, or 0 for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, PeripheralID: id, Detail: fmt.Sprintf(format, args...)}
}

// Operation names used in errors and logs.
const (
	opConnect     = "connect"
	opBond        = "bond"
	opDiscover    = "discover"
	opSubscribe   = "subscribe"
	opDisconnect  = "disconnect"
	opResubscribe = "resubscribe"
	opScan        = "scan"
)

// classify converts a transport failure for op into a session error.
func classify(op, id string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	detail := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, PeripheralID: id, Detail: detail}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindSuperseded, Op: op, PeripheralID: id, Detail: detail}
	case errors.Is(err, ble.ErrNotEnabled):
		return &Error{Kind: KindTransportUnavailable, Op: op, PeripheralID: id, Detail: detail}
	}
	switch op {
	case opBond:
		// A pairing already in progress is not a rejection.
		if errors.Is(err, ble.ErrBusy) {
			return &Error{Kind: KindLinkFailed, Op: op, PeripheralID: id, Detail: detail}
		}
		return &Error{Kind: KindBondRejected, Op: op, PeripheralID: id, Detail: detail}
	case opDiscover, opSubscribe, opResubscribe:
		return &Error{Kind: KindSubscribe, Op: op, PeripheralID: id, Detail: detail}
	default:
		return &Error{Kind: KindLinkFailed, Op: op, PeripheralID: id, Detail: detail}
	}
}

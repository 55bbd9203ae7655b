// Package rpcerror defines the error kinds a call can resolve with.
package rpcerror

import "errors"

type Kind uint8

const (
	KindUnknown Kind = iota
	KindOverload
	KindTimeout
	KindServerQueueTimeout
	KindDeclared
	KindUndeclared
	KindResponseTooBig
	KindMalformedFrame
	KindConnectionClosed
	KindLoopSwitch
)

func (k Kind) String() string {
	switch k {
	case KindOverload:
		return "overloaded"
	case KindTimeout:
		return "timeout"
	case KindServerQueueTimeout:
		return "server queue timeout"
	case KindDeclared:
		return "declared application error"
	case KindUndeclared:
		return "undeclared application error"
	case KindResponseTooBig:
		return "response too big"
	case KindMalformedFrame:
		return "malformed frame"
	case KindConnectionClosed:
		return "connection closed"
	case KindLoopSwitch:
		return "event loop switch rejected"
	default:
		return "unknown"
	}
}

// Error carries the kind alongside a human readable message. Declared
// application errors additionally carry the payload the handler produced,
// so callers can branch on structured data instead of message text.
type Error struct {
	Kind    Kind
	Message string
	Payload []byte
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewDeclared(payload []byte) *Error {
	return &Error{Kind: KindDeclared, Message: "declared exception", Payload: payload}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// KindOf extracts the kind from an error chain, KindUnknown if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Package frame implements the wire framing of the multiplexed transport:
// a fixed 9-byte header followed by a type-dependent body, with optional
// per-frame compression tagging and CRC32-C checksumming.
package frame

import (
	"errors"
	"fmt"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/rpcerror"
)

type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeError
	TypeCancel
	TypeMetadataPush
	TypeKeepalive

	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeCancel:
		return "CANCEL"
	case TypeMetadataPush:
		return "METADATA_PUSH"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

type Flags uint8

const (
	FlagOneway Flags = 1 << iota
	FlagChecksum
	FlagCompressed
	FlagKeepaliveAck
)

func (f Flags) Has(v Flags) bool { return f&v == v }

type Header struct {
	Name  string
	Value string
}

// Frame is the decoded (or to-be-encoded) logical form of one wire frame.
//
// Method is set on REQUEST frames only. ErrKind and Message are set on
// ERROR frames only. Payload holds the application bytes for REQUEST and
// RESPONSE, the declared-exception bytes for ERROR, and the echo data for
// KEEPALIVE.
type Frame struct {
	Type      Type
	Flags     Flags
	RequestID uint32

	Method  string
	Headers []Header

	ErrKind rpcerror.Kind
	Message string

	Payload []byte
}

func (f *Frame) Oneway() bool { return f.Flags.Has(FlagOneway) }

// ErrMalformed marks corruption that poisons the frame boundary or the
// per-connection codec state. It is fatal: the owning connection must
// close, since subsequent framing cannot be trusted.
var ErrMalformed = errors.New("malformed frame")

// ErrUnknownAlgorithm marks a frame whose compression tag names an
// algorithm the receiver does not implement. The frame boundary is intact,
// so only the affected call fails, not the connection.
var ErrUnknownAlgorithm = errors.New("unknown compression algorithm tag")

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

// known reports whether an algorithm tag byte is decodable.
func known(alg compress.Algorithm) bool {
	switch alg {
	case compress.Zstd, compress.Snappy:
		return true
	}
	return false
}

package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"golang.org/x/net/http2/hpack"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
)

// methodHeader is the pseudo-header carrying the method name inside a
// REQUEST frame's header block.
const methodHeader = ":method"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encoder turns logical frames into wire bytes. The header block encoder
// is stateful (hpack dynamic table), so an Encoder belongs to exactly one
// connection and must be driven from a single goroutine, in the order the
// frames go out on the wire.
type Encoder struct {
	coder *compress.Coder

	hbuf bytes.Buffer
	henc *hpack.Encoder
}

func NewEncoder(coder *compress.Coder) *Encoder {
	e := &Encoder{coder: coder}
	e.henc = hpack.NewEncoder(&e.hbuf)
	return e
}

// Encode produces one complete wire frame. setting decides whether the
// payload of a REQUEST or RESPONSE gets compressed; the chosen algorithm
// is tagged into the frame so the peer can decode without any session
// negotiation. FlagChecksum on f.Flags appends a CRC32-C over the body.
func (e *Encoder) Encode(f *Frame, setting compress.Setting) ([]byte, error) {
	flags := f.Flags
	payload := f.Payload

	compressible := f.Type == TypeRequest || f.Type == TypeResponse
	if compressible && setting.ShouldCompress(len(payload)) {
		compressed, err := e.coder.Compress(setting.Algorithm, payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		payload = compressed
		flags |= FlagCompressed
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload)+64)

	switch f.Type {
	case TypeRequest, TypeResponse:
		if flags.Has(FlagCompressed) {
			out = append(out, byte(setting.Algorithm))
		}
		block := e.encodeHeaderBlock(f)
		out = binary.AppendUvarint(out, uint64(len(block)))
		out = append(out, block...)
		out = append(out, payload...)
	case TypeError:
		out = append(out, byte(f.ErrKind))
		out = binary.AppendUvarint(out, uint64(len(f.Message)))
		out = append(out, f.Message...)
		out = append(out, payload...)
	case TypeCancel:
		// no body
	case TypeKeepalive:
		out = append(out, payload...)
	case TypeMetadataPush:
		block := e.encodeHeaderBlock(f)
		out = binary.AppendUvarint(out, uint64(len(block)))
		out = append(out, block...)
	default:
		return nil, fmt.Errorf("cannot encode frame type %s", f.Type)
	}

	if flags.Has(FlagChecksum) {
		sum := crc32.Checksum(out[HeaderSize:], castagnoli)
		out = binary.BigEndian.AppendUint32(out, sum)
	}

	bodyLen := len(out) - HeaderSize
	// the wire length field is 3 bytes wide
	if bodyLen >= consts.DefaultMaxFrameSize {
		return nil, fmt.Errorf("frame body %d exceeds max frame size", bodyLen)
	}
	WireHeader(out[:HeaderSize]).Fill(bodyLen, f.Type, flags, f.RequestID)
	return out, nil
}

func (e *Encoder) encodeHeaderBlock(f *Frame) []byte {
	e.hbuf.Reset()
	if f.Type == TypeRequest {
		// writes to a bytes.Buffer cannot fail
		e.henc.WriteField(hpack.HeaderField{Name: methodHeader, Value: f.Method}) //nolint:errcheck
	}
	for _, h := range f.Headers {
		e.henc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}) //nolint:errcheck
	}
	return e.hbuf.Bytes()
}

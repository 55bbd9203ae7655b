package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"golang.org/x/net/http2/hpack"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/rpcerror"
)

// Decoder turns raw frames into logical ones. Like the Encoder it carries
// per-connection hpack state and must see frames in wire order, from a
// single goroutine. Decoded frames own their memory and may outlive the
// Splitter buffers they were cut from.
type Decoder struct {
	coder *compress.Coder
	hdec  *hpack.Decoder
}

func NewDecoder(coder *compress.Coder) *Decoder {
	return &Decoder{
		coder: coder,
		hdec:  hpack.NewDecoder(consts.DefaultMaxDynamicTableSize, nil),
	}
}

func (d *Decoder) Decode(raw RawFrame) (*Frame, error) {
	t := raw.Header.Type()
	if t == 0 || t >= typeMax {
		return nil, malformedf("unknown frame type %d", uint8(t))
	}

	f := &Frame{
		Type:      t,
		Flags:     raw.Header.Flags(),
		RequestID: raw.Header.RequestID(),
	}

	body := raw.Body
	if f.Flags.Has(FlagChecksum) {
		if len(body) < 4 {
			return nil, malformedf("checksummed frame shorter than checksum")
		}
		sum := binary.BigEndian.Uint32(body[len(body)-4:])
		body = body[:len(body)-4]
		if crc32.Checksum(body, castagnoli) != sum {
			return nil, malformedf("checksum mismatch")
		}
	}

	switch t {
	case TypeRequest, TypeResponse:
		return f, d.decodeCall(f, body)
	case TypeError:
		if len(body) < 1 {
			return nil, malformedf("error frame without kind byte")
		}
		f.ErrKind = rpcerror.Kind(body[0])
		mlen, n := binary.Uvarint(body[1:])
		if n <= 0 || int(mlen) > len(body)-1-n {
			return nil, malformedf("bad error message length")
		}
		rest := body[1+n:]
		f.Message = string(rest[:mlen])
		f.Payload = bytes.Clone(rest[mlen:])
		return f, nil
	case TypeCancel:
		return f, nil
	case TypeKeepalive:
		f.Payload = bytes.Clone(body)
		return f, nil
	case TypeMetadataPush:
		headers, _, err := d.decodeHeaderBlock(body, false)
		if err != nil {
			return nil, err
		}
		f.Headers = headers
		return f, nil
	}
	return nil, malformedf("unknown frame type %d", uint8(t))
}

func (d *Decoder) decodeCall(f *Frame, body []byte) error {
	var alg compress.Algorithm
	if f.Flags.Has(FlagCompressed) {
		if len(body) == 0 {
			return malformedf("compressed frame without algorithm tag")
		}
		alg = compress.Algorithm(body[0])
		body = body[1:]
	}

	hlen, n := binary.Uvarint(body)
	if n <= 0 || int(hlen) > len(body)-n {
		return malformedf("bad header block length")
	}
	// The header block is never compressed, so it must be consumed even
	// when the algorithm tag turns out to be bad: skipping it would desync
	// the hpack dynamic table from the peer's encoder and poison every
	// later frame on the connection.
	headers, method, err := d.decodeHeaderBlock(body[n:n+int(hlen)], f.Type == TypeRequest)
	if err != nil {
		return err
	}
	f.Headers = headers
	f.Method = method

	payload := body[n+int(hlen):]
	if f.Flags.Has(FlagCompressed) {
		if !known(alg) {
			return fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(alg))
		}
		f.Payload, err = d.coder.Decompress(alg, payload)
		if err != nil {
			return malformedf("decompress payload: %v", err)
		}
	} else {
		f.Payload = bytes.Clone(payload)
	}
	return nil
}

func (d *Decoder) decodeHeaderBlock(block []byte, wantMethod bool) ([]Header, string, error) {
	fields, err := d.hdec.DecodeFull(block)
	if err != nil {
		// hpack table state is unrecoverable after a bad block
		return nil, "", malformedf("decode header block: %v", err)
	}

	var method string
	headers := make([]Header, 0, len(fields))
	for _, hf := range fields {
		if wantMethod && hf.Name == methodHeader {
			method = hf.Value
			continue
		}
		headers = append(headers, Header{Name: hf.Name, Value: hf.Value})
	}
	if wantMethod && method == "" {
		return nil, "", malformedf("request frame without method")
	}
	if len(headers) == 0 {
		headers = nil
	}
	return headers, method, nil
}

// Package compress implements the per-connection payload compression
// policy. Compression is a per-frame, sender-chosen property: the sender
// compresses when its local setting says so and tags the frame with the
// algorithm; the receiver decompresses whenever a tag is present,
// regardless of its own setting.
package compress

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	Snappy
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	}
	return None, fmt.Errorf("unknown compression algorithm %q", s)
}

// Setting is the connection-level compression configuration. MinBytes is
// the auto-compress size limit: payloads below it are sent uncompressed
// even when an algorithm is negotiated.
type Setting struct {
	Algorithm Algorithm
	MinBytes  int
}

func (s Setting) ShouldCompress(payloadLen int) bool {
	return s.Algorithm != None && payloadLen >= s.MinBytes
}

// Coder holds the reusable zstd state. A Coder is safe for concurrent use:
// EncodeAll/DecodeAll on shared encoders are concurrency-safe, and snappy
// is stateless.
type Coder struct {
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func NewCoder() (*Coder, error) {
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd writer: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd reader: %w", err)
	}
	return &Coder{zenc: zenc, zdec: zdec}, nil
}

func (c *Coder) Compress(alg Algorithm, src []byte) ([]byte, error) {
	switch alg {
	case Zstd:
		return c.zenc.EncodeAll(src, nil), nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	default:
		return nil, fmt.Errorf("cannot compress with %s", alg)
	}
}

func (c *Coder) Decompress(alg Algorithm, src []byte) ([]byte, error) {
	switch alg {
	case Zstd:
		b, err := c.zdec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return b, nil
	case Snappy:
		b, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot decompress with %s", alg)
	}
}

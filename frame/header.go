package frame

import (
	"encoding/binary"
	"strconv"
)

// HeaderSize is the fixed wire size of a frame header:
// [length:3][type:1][flags:1][requestID:4].
const HeaderSize = 9

// WireHeader is a view over the 9 raw header bytes of a frame. Length is
// the body length, excluding the header itself.
type WireHeader []byte

func NewWireHeader() WireHeader { return make([]byte, HeaderSize) }

func (h WireHeader) Fill(length int, t Type, flags Flags, requestID uint32) {
	_ = h[8]
	h[0] = byte(length >> 16)
	h[1] = byte(length >> 8)
	h[2] = byte(length)
	h[3] = byte(t)
	h[4] = byte(flags)
	binary.BigEndian.PutUint32(h[5:], requestID)
}

func (h WireHeader) Length() int {
	_ = h[2]
	return int(h[0])<<16 | int(h[1])<<8 | int(h[2])
}

func (h WireHeader) Type() Type   { return Type(h[3]) }
func (h WireHeader) Flags() Flags { return Flags(h[4]) }

func (h WireHeader) RequestID() uint32 { return binary.BigEndian.Uint32(h[5:]) }

func (h WireHeader) String() string {
	return h.Type().String() +
		"/ length=" + strconv.Itoa(h.Length()) +
		"/ requestID=" + strconv.FormatUint(uint64(h.RequestID()), 10) +
		"/ flags=" + strconv.FormatUint(uint64(h.Flags()), 2)
}

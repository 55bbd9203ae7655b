package frame

// RawFrame is one complete frame cut out of the byte stream, not yet
// decoded. Header and Body are only valid until the next Fill or Next
// call on the Splitter that produced them.
type RawFrame struct {
	Header WireHeader
	Body   []byte
}

// Splitter incrementally cuts frames out of an arbitrary sequence of
// reads. Fill hands it the next chunk, Next yields complete frames until
// the chunk is exhausted. Partial input is accumulated without being
// consumed twice.
type Splitter struct {
	maxFrameSize int

	header  WireHeader
	body    []byte
	bodyLen int
	buf     []byte
}

func NewSplitter(maxFrameSize int) *Splitter {
	return &Splitter{
		maxFrameSize: maxFrameSize,
		header:       make(WireHeader, 0, HeaderSize),
	}
}

func (s *Splitter) Fill(b []byte) { s.buf = b }

// Next returns the next complete frame. ok is false when more input is
// needed. A non-nil error wraps ErrMalformed and poisons the stream.
func (s *Splitter) Next() (f RawFrame, ok bool, err error) {
	if len(s.header) < HeaderSize {
		need := HeaderSize - len(s.header)
		if len(s.buf) < need {
			s.header = append(s.header, s.buf...)
			s.buf = nil
			return RawFrame{}, false, nil
		}
		s.header = append(s.header, s.buf[:need]...)
		s.buf = s.buf[need:]
		s.bodyLen = s.header.Length()
		if s.bodyLen > s.maxFrameSize {
			return RawFrame{}, false, malformedf("frame length %d exceeds limit %d", s.bodyLen, s.maxFrameSize)
		}
		s.body = s.body[:0]
	}

	left := s.bodyLen - len(s.body)
	if len(s.buf) < left {
		s.body = append(s.body, s.buf...)
		s.buf = nil
		return RawFrame{}, false, nil
	}

	var body []byte
	if len(s.body) == 0 {
		// whole body arrived in one chunk, no copy needed
		body = s.buf[:left]
	} else {
		body = append(s.body, s.buf[:left]...)
	}
	s.buf = s.buf[left:]

	f = RawFrame{Header: s.header, Body: body}
	s.header = s.header[:0]
	s.bodyLen = 0
	return f, true, nil
}

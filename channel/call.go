package channel

import "time"

// RpcOptions is per-call configuration, consumed at issue time.
type RpcOptions struct {
	// Timeout overrides the channel default for this call only.
	Timeout time.Duration
	// EnableChecksum appends a CRC32-C to the request frame and asks the
	// peer to checksum the response.
	EnableChecksum bool
}

// Call is one in-flight request-response invocation. Response and Err are
// valid after Done delivers the call back; exactly one of them is set.
type Call struct {
	Method  string
	Request []byte

	Response []byte
	Err      error

	Done chan *Call

	id uint32
}

func (c *Call) finish() {
	select {
	case c.Done <- c:
	default:
		// the user's done channel is their responsibility to drain;
		// dropping here mirrors net/rpc
	}
}

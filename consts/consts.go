package consts

import "time"

const (
	ReceiveBufferSize = 2048
	SendBatchLimit    = 64

	DefaultTimeout         = 10 * time.Second
	DefaultQueueTimeout    = 5 * time.Second
	DefaultMaxFrameSize    = 1 << 24 // frame length field is 3 bytes wide
	DefaultMaxResponseSize = 1 << 22

	DefaultMaxDynamicTableSize = 4096 // header block dynamic table

	KeepaliveDataSize = 8
)

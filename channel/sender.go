package channel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/frame"
)

var errWriteClosed = errors.New("channel: write path closed")

type sendReq struct {
	fr      frame.Frame
	setting compress.Setting
	onSent  func(error)
}

// writeLoop owns the frame encoder. Frames are batched opportunistically
// into a single vectored write: whatever has accumulated in the send
// queue goes out together.
func (c *Channel) writeLoop(ctx context.Context) error {
	bufs := make(net.Buffers, 0, consts.SendBatchLimit)
	callbacks := make([]func(error), 0, consts.SendBatchLimit)

	for {
		var req sendReq
		select {
		case <-ctx.Done():
			return nil
		case req = <-c.sendCh:
		}

		bufs, callbacks = bufs[:0], callbacks[:0]
		bufs, callbacks = c.appendFrame(bufs, callbacks, req)

	batch:
		for len(bufs) < consts.SendBatchLimit {
			select {
			case req = <-c.sendCh:
				bufs, callbacks = c.appendFrame(bufs, callbacks, req)
			default:
				break batch
			}
		}

		if len(bufs) == 0 {
			continue
		}
		_, err := bufs.WriteTo(c.conn)
		for _, cb := range callbacks {
			cb(err)
		}
		if err != nil {
			return fmt.Errorf("write frames: %w", err)
		}
	}
}

func (c *Channel) appendFrame(bufs net.Buffers, callbacks []func(error), req sendReq) (net.Buffers, []func(error)) {
	b, err := c.enc.Encode(&req.fr, req.setting)
	if err != nil {
		// encoding only fails on malformed input, never on the wire
		req.onSent(err)
		return bufs, callbacks
	}
	return append(bufs, b), append(callbacks, req.onSent)
}

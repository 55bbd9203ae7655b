package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rocketmux/rocketmux/channel/registry"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/frame"
	"github.com/rocketmux/rocketmux/rpcerror"
)

func (c *Channel) readLoop(ctx context.Context) error {
	buf := make([]byte, consts.ReceiveBufferSize)
	splitter := frame.NewSplitter(consts.DefaultMaxFrameSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frames: %w", err)
		}

		splitter.Fill(buf[:n])
		for {
			raw, ok, err := splitter.Next()
			if err != nil {
				return c.fatalFrame(err)
			}
			if !ok {
				break
			}
			if err := c.handleFrame(raw); err != nil {
				return c.fatalFrame(err)
			}
		}
	}
}

// fatalFrame tells the peer the framing is corrupt while the write path
// is still up, then surfaces the error so the connection closes.
func (c *Channel) fatalFrame(err error) error {
	c.log.Warn("malformed frame, closing connection", zap.Error(err))
	c.enqueue(sendReq{
		fr: frame.Frame{
			Type:    frame.TypeError,
			ErrKind: rpcerror.KindMalformedFrame,
			Message: "malformed frame",
		},
		onSent: func(error) {},
	})
	return err
}

func (c *Channel) handleFrame(raw frame.RawFrame) error {
	f, err := c.dec.Decode(raw)
	if err != nil {
		if errors.Is(err, frame.ErrUnknownAlgorithm) {
			// the frame boundary is intact, only this call is lost
			c.reg.Complete(raw.Header.RequestID(), registry.Result{
				Err: rpcerror.New(rpcerror.KindMalformedFrame, err.Error()),
			})
			return nil
		}
		return err
	}

	switch f.Type {
	case frame.TypeResponse:
		c.obs.ResponseReceived()
		if !c.reg.Complete(f.RequestID, registry.Result{Payload: f.Payload}) {
			// raced a timeout or cancellation; not an error
			c.log.Debug("response for unknown request", zap.Uint32("request-id", f.RequestID))
		}
	case frame.TypeError:
		c.obs.ResponseReceived()
		if !c.reg.Complete(f.RequestID, registry.Result{Err: errorFromFrame(f)}) {
			c.log.Debug("error for unknown request", zap.Uint32("request-id", f.RequestID))
		}
	case frame.TypeKeepalive:
		if !f.Flags.Has(frame.FlagKeepaliveAck) {
			c.enqueue(sendReq{
				fr: frame.Frame{
					Type:    frame.TypeKeepalive,
					Flags:   frame.FlagKeepaliveAck,
					Payload: f.Payload,
				},
				onSent: func(error) {},
			})
		}
	case frame.TypeMetadataPush:
		if c.onMetadataPush != nil {
			headers := f.Headers
			c.loop.Load().Do(func() { c.onMetadataPush(headers) })
		}
	default:
		// REQUEST or CANCEL towards a client: ignore, per the
		// unknown-frames-are-not-fatal rule
		c.log.Debug("unexpected frame type", zap.Stringer("type", f.Type))
	}
	return nil
}

func errorFromFrame(f *frame.Frame) error {
	kind := f.ErrKind
	switch kind {
	case rpcerror.KindDeclared,
		rpcerror.KindUndeclared,
		rpcerror.KindServerQueueTimeout,
		rpcerror.KindResponseTooBig,
		rpcerror.KindOverload,
		rpcerror.KindTimeout,
		rpcerror.KindConnectionClosed,
		rpcerror.KindMalformedFrame:
	default:
		kind = rpcerror.KindUndeclared
	}
	return &rpcerror.Error{Kind: kind, Message: f.Message, Payload: f.Payload}
}

func (c *Channel) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		data := make([]byte, consts.KeepaliveDataSize)
		binary.BigEndian.PutUint64(data, seq)
		c.enqueue(sendReq{
			fr:     frame.Frame{Type: frame.TypeKeepalive, Payload: data},
			onSent: func(error) {},
		})
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/frame"
	"github.com/rocketmux/rocketmux/rpcerror"
)

type connState int32

const (
	stateActive connState = iota
	stateDraining
	stateClosed
)

// Conn is one accepted client connection. All inbound frames are decoded
// on a single reader goroutine; handler invocations run on a bounded
// worker pool so one slow handler cannot stall the whole connection.
type Conn struct {
	id      string
	raw     net.Conn
	enc     *frame.Encoder
	dec     *frame.Decoder
	handler Handler
	cfg     Config
	log     *zap.Logger

	state atomic.Int32

	cmpMu sync.Mutex
	cmp   compress.Setting

	writeCh chan outFrame
	stopped chan struct{}
	closed  atomic.Bool

	cancelMu   sync.Mutex
	cancelConn context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[uint32]context.CancelFunc

	workers  chan struct{}
	handlers sync.WaitGroup
}

// outFrame is one unit of work for the write loop. onSent, when set, runs
// after the frame has been written (or failed). A zero-type frame puts no
// bytes on the wire and acts as a flush barrier: its onSent runs once
// everything queued before it has been written.
type outFrame struct {
	fr      frame.Frame
	setting compress.Setting
	onSent  func(error)
}

func newConn(id string, raw net.Conn, handler Handler, cfg Config, log *zap.Logger) (*Conn, error) {
	coder, err := compress.NewCoder()
	if err != nil {
		return nil, fmt.Errorf("init compression: %w", err)
	}

	c := &Conn{
		id:      id,
		raw:     raw,
		enc:     frame.NewEncoder(coder),
		dec:     frame.NewDecoder(coder),
		handler: handler,
		cfg:     cfg,
		log:     log.Named("conn").With(zap.String("conn-id", id)),

		cmp:      cfg.Compression,
		writeCh:  make(chan outFrame, 64),
		stopped:  make(chan struct{}),
		inflight: make(map[uint32]context.CancelFunc),
	}
	if cfg.Workers > 0 {
		c.workers = make(chan struct{}, cfg.Workers)
	}
	return c, nil
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// SetCompressionAlgorithm changes the algorithm used for responses from
// the next frame on.
func (c *Conn) SetCompressionAlgorithm(alg compress.Algorithm) {
	c.cmpMu.Lock()
	c.cmp.Algorithm = alg
	c.cmpMu.Unlock()
}

// SetMinCompressBytes sets the response size below which compression is
// skipped.
func (c *Conn) SetMinCompressBytes(n int) {
	c.cmpMu.Lock()
	c.cmp.MinBytes = n
	c.cmpMu.Unlock()
}

func (c *Conn) compression() compress.Setting {
	c.cmpMu.Lock()
	defer c.cmpMu.Unlock()
	return c.cmp
}

func (c *Conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancelConn = cancel
	c.cancelMu.Unlock()
	defer cancel()

	// CloseNow may have fired before cancelConn was visible to it; the
	// transport is already closed then, the loops below exit right away
	if c.closed.Load() {
		cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return c.raw.Close()
	})
	g.Go(func() error {
		defer cancel()
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(ctx)
	})

	err := g.Wait()
	c.teardown()
	if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, consts.ReceiveBufferSize)
	splitter := frame.NewSplitter(c.cfg.MaxFrameSize)

	for {
		if c.cfg.ConnectionExpiry > 0 {
			if err := c.raw.SetReadDeadline(time.Now().Add(c.cfg.ConnectionExpiry)); err != nil {
				return fmt.Errorf("set expiry deadline: %w", err)
			}
		}
		n, err := c.raw.Read(buf)
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
				return c.fatalFrame(0, err)
			}
			if !ok {
				break
			}
			if err := c.handleFrame(ctx, raw); err != nil {
				return err
			}
		}
	}
}

// fatalFrame reports corruption to the peer while the connection is still
// writable, then surfaces the error so the connection closes. Framing can
// no longer be trusted past this point.
func (c *Conn) fatalFrame(requestID uint32, err error) error {
	c.log.Warn("malformed frame, closing connection", zap.Error(err))
	c.trySend(outFrame{fr: frame.Frame{
		Type:      frame.TypeError,
		RequestID: requestID,
		ErrKind:   rpcerror.KindMalformedFrame,
		Message:   "malformed frame",
	}})
	return err
}

func (c *Conn) handleFrame(ctx context.Context, raw frame.RawFrame) error {
	f, err := c.dec.Decode(raw)
	if err != nil {
		if errors.Is(err, frame.ErrUnknownAlgorithm) {
			// frame boundary intact: reject the request, keep the connection
			c.trySend(outFrame{fr: frame.Frame{
				Type:      frame.TypeError,
				RequestID: raw.Header.RequestID(),
				ErrKind:   rpcerror.KindMalformedFrame,
				Message:   err.Error(),
			}})
			return nil
		}
		return c.fatalFrame(raw.Header.RequestID(), err)
	}

	switch f.Type {
	case frame.TypeRequest:
		if connState(c.state.Load()) != stateActive {
			c.log.Debug("request while not active", zap.Uint32("request-id", f.RequestID))
			return nil
		}
		c.dispatch(ctx, f)
	case frame.TypeCancel:
		c.inflightMu.Lock()
		cancel := c.inflight[f.RequestID]
		c.inflightMu.Unlock()
		if cancel != nil {
			cancel() // best effort; completed work is not undone
		}
	case frame.TypeKeepalive:
		if !f.Flags.Has(frame.FlagKeepaliveAck) {
			c.trySend(outFrame{fr: frame.Frame{
				Type:    frame.TypeKeepalive,
				Flags:   frame.FlagKeepaliveAck,
				Payload: f.Payload,
			}})
		}
	case frame.TypeMetadataPush:
		if c.cfg.OnMetadataPush != nil {
			c.cfg.OnMetadataPush(c.id, f.Headers)
		}
	default:
		c.log.Debug("unexpected frame type", zap.Stringer("type", f.Type))
	}
	return nil
}

func (c *Conn) dispatch(ctx context.Context, f *frame.Frame) {
	reqCtx, cancel := context.WithCancel(ctx)
	reqCtx = withConnInfo(reqCtx, ConnInfo{ID: c.id, PeerAddr: c.raw.RemoteAddr()})

	id := f.RequestID
	checksum := f.Flags.Has(frame.FlagChecksum)
	oneway := f.Oneway()

	if !oneway {
		c.inflightMu.Lock()
		c.inflight[id] = cancel
		c.inflightMu.Unlock()
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		defer cancel()
		if !oneway {
			defer func() {
				c.inflightMu.Lock()
				delete(c.inflight, id)
				c.inflightMu.Unlock()
			}()
		}

		// A request that cannot reach a worker within the queue timeout
		// is answered without ever invoking the handler.
		if c.workers != nil {
			select {
			case c.workers <- struct{}{}:
				defer func() { <-c.workers }()
			case <-time.After(c.cfg.QueueTimeout):
				if oneway {
					c.log.Warn("oneway request expired in queue", zap.Uint32("request-id", id))
					return
				}
				c.sendError(id, checksum, rpcerror.New(rpcerror.KindServerQueueTimeout, "request expired in handler queue"))
				return
			case <-reqCtx.Done():
				return
			}
		}

		payload, err := c.handler.Handle(reqCtx, &Request{
			Method:  f.Method,
			Headers: f.Headers,
			Payload: f.Payload,
			Oneway:  oneway,
		})

		if oneway {
			// oneway handler outcomes are logged, never transmitted
			if err != nil {
				c.log.Warn("oneway handler failed",
					zap.String("method", f.Method), zap.Error(err))
			}
			return
		}
		if reqCtx.Err() != nil {
			return // cancelled; the peer already resolved the call
		}

		if err != nil {
			c.sendError(id, checksum, err)
			return
		}
		if len(payload) > c.cfg.MaxResponseSize {
			c.sendError(id, checksum, rpcerror.New(rpcerror.KindResponseTooBig,
				fmt.Sprintf("response of %d bytes exceeds limit %d", len(payload), c.cfg.MaxResponseSize)))
			return
		}

		fr := frame.Frame{
			Type:      frame.TypeResponse,
			RequestID: id,
			Payload:   payload,
		}
		if checksum {
			fr.Flags |= frame.FlagChecksum
		}
		c.trySend(outFrame{fr: fr, setting: c.compression()})
	}()
}

// PushMetadata sends a header block to the client outside of any call.
func (c *Conn) PushMetadata(headers []frame.Header) {
	c.trySend(outFrame{fr: frame.Frame{Type: frame.TypeMetadataPush, Headers: headers}})
}

func (c *Conn) sendError(id uint32, checksum bool, err error) {
	fr := frame.Frame{
		Type:      frame.TypeError,
		RequestID: id,
	}
	var re *rpcerror.Error
	if errors.As(err, &re) {
		fr.ErrKind = re.Kind
		fr.Message = re.Message
		fr.Payload = re.Payload
	} else {
		fr.ErrKind = rpcerror.KindUndeclared
		fr.Message = err.Error()
	}
	if checksum {
		fr.Flags |= frame.FlagChecksum
	}
	c.trySend(outFrame{fr: fr})
}

func (c *Conn) trySend(f outFrame) {
	select {
	case c.writeCh <- f:
	case <-c.stopped:
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	bufs := make(net.Buffers, 0, consts.SendBatchLimit)
	callbacks := make([]func(error), 0, consts.SendBatchLimit)

	for {
		var f outFrame
		select {
		case <-ctx.Done():
			return nil
		case f = <-c.writeCh:
		}

		bufs, callbacks = bufs[:0], callbacks[:0]
		bufs, callbacks = c.appendFrame(bufs, callbacks, f)
	batch:
		for len(bufs) < consts.SendBatchLimit {
			select {
			case f = <-c.writeCh:
				bufs, callbacks = c.appendFrame(bufs, callbacks, f)
			default:
				break batch
			}
		}

		var err error
		if len(bufs) > 0 {
			_, err = bufs.WriteTo(c.raw)
		}
		for _, cb := range callbacks {
			cb(err)
		}
		if err != nil {
			return fmt.Errorf("write frames: %w", err)
		}
	}
}

func (c *Conn) appendFrame(bufs net.Buffers, callbacks []func(error), f outFrame) (net.Buffers, []func(error)) {
	cb := f.onSent
	if cb == nil {
		cb = func(error) {}
	}
	if f.fr.Type == 0 {
		return bufs, append(callbacks, cb)
	}
	b, err := c.enc.Encode(&f.fr, f.setting)
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		cb(err)
		return bufs, callbacks
	}
	return append(bufs, b), append(callbacks, cb)
}

// CloseNow tears the connection down immediately. In-flight handler
// contexts are cancelled; the peer sees the transport drop and fails its
// pending calls with a connection-closed error.
func (c *Conn) CloseNow() {
	c.cancelMu.Lock()
	cancel := c.cancelConn
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.teardown()
}

// Drain stops accepting new requests, waits for in-flight handlers to
// finish (bounded by ctx), then closes.
func (c *Conn) Drain(ctx context.Context) error {
	c.state.CompareAndSwap(int32(stateActive), int32(stateDraining))

	done := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.CloseNow()
		return ctx.Err()
	}

	// handlers enqueue their responses before handlers.Done, so a flush
	// barrier behind them guarantees every response hit the wire
	flushed := make(chan struct{})
	c.trySend(outFrame{onSent: func(error) { close(flushed) }})
	select {
	case <-flushed:
	case <-c.stopped:
	case <-ctx.Done():
		c.CloseNow()
		return ctx.Err()
	}

	c.CloseNow()
	return nil
}

func (c *Conn) teardown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(stateClosed))
	close(c.stopped)
	_ = c.raw.Close()
	c.log.Debug("connection closed")
}

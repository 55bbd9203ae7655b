// Package channel implements the client side of the multiplexed RPC
// transport: request-response and oneway calls over a single framed
// connection, with admission control, per-call timeouts, negotiated
// payload compression and event-loop-affine callback delivery.
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/channel/admission"
	"github.com/rocketmux/rocketmux/channel/registry"
	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/eventloop"
	"github.com/rocketmux/rocketmux/frame"
	"github.com/rocketmux/rocketmux/observer"
	"github.com/rocketmux/rocketmux/rpcerror"
)

// Conn is the byte-stream transport the channel multiplexes over. The
// channel owns the framing, not the socket: dialing, TLS and address
// resolution happen elsewhere.
type Conn interface {
	io.ReadWriteCloser
}

type Config struct {
	// Timeout is the default per-call timeout. Zero means
	// consts.DefaultTimeout.
	Timeout time.Duration
	// MaxPendingRequests caps concurrently in-flight requests. Zero means
	// unlimited; use SetMaxPendingRequests(0) at runtime to reject all.
	MaxPendingRequests uint32
	Compression        compress.Setting
	// KeepaliveInterval enables periodic KEEPALIVE frames when positive.
	KeepaliveInterval time.Duration

	// Loop is the execution context callbacks are delivered on. When nil
	// the channel creates and owns one.
	Loop *eventloop.Loop

	// OnMetadataPush receives header blocks pushed by the peer outside of
	// any call. Delivered on the channel's loop.
	OnMetadataPush func([]frame.Header)

	Observer observer.Observer
	Logger   *zap.Logger
}

var channelID atomic.Uint32

type Channel struct {
	conn Conn
	enc  *frame.Encoder
	dec  *frame.Decoder
	reg  *registry.Registry
	adm  *admission.Controller
	obs  observer.Observer
	log  *zap.Logger

	loop      atomic.Pointer[eventloop.Loop]
	ownedLoop *eventloop.Loop

	defaultTimeout atomic.Int64

	cmpMu sync.Mutex
	cmp   compress.Setting

	keepaliveInterval time.Duration
	onMetadataPush    func([]frame.Header)

	sendMu  sync.RWMutex
	sendCh  chan sendReq
	nextID  atomic.Uint32
	closed  atomic.Bool
	stopped chan struct{}

	onCloseMu sync.Mutex
	onClose   []func(error)
	closeErr  error
}

func New(conn Conn, cfg Config) (*Channel, error) {
	coder, err := compress.NewCoder()
	if err != nil {
		return nil, fmt.Errorf("init compression: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("channel").With(zap.Uint32("channel-id", channelID.Add(1)))

	obs := cfg.Observer
	if obs == nil {
		obs = observer.Noop{}
	}

	maxPending := cfg.MaxPendingRequests
	if maxPending == 0 {
		maxPending = admission.NoLimit
	}

	c := &Channel{
		conn: conn,
		enc:  frame.NewEncoder(coder),
		dec:  frame.NewDecoder(coder),
		reg:  registry.New(log),
		adm:  admission.New(maxPending),
		obs:  obs,
		log:  log,

		cmp:               cfg.Compression,
		keepaliveInterval: cfg.KeepaliveInterval,
		onMetadataPush:    cfg.OnMetadataPush,

		sendCh:  make(chan sendReq, 64),
		stopped: make(chan struct{}),
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = consts.DefaultTimeout
	}
	c.defaultTimeout.Store(int64(timeout))

	loop := cfg.Loop
	if loop == nil {
		loop = eventloop.New()
		c.ownedLoop = loop
	}
	c.loop.Store(loop)

	log.Debug("channel created")
	return c, nil
}

// Run drives the channel's I/O until ctx is cancelled or the connection
// fails. Calls issued without a running Run never make progress.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})
	g.Go(func() error {
		defer cancel()
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(ctx)
	})
	if c.keepaliveInterval > 0 {
		g.Go(func() error {
			c.keepaliveLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	c.shutdown(err)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Go issues a request-response call asynchronously, net/rpc style. done
// must be buffered (or nil, in which case one is allocated).
func (c *Channel) Go(method string, payload []byte, opts RpcOptions, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("channel: done channel is unbuffered")
	}
	call := &Call{Method: method, Request: payload, Done: done}

	if c.closed.Load() {
		call.Err = rpcerror.New(rpcerror.KindConnectionClosed, "channel is closed")
		call.finish()
		return call
	}

	// Admission is checked before anything touches the transport: a
	// saturated connection rejects without writing a single byte.
	if !c.adm.TryAcquire() {
		call.Err = rpcerror.New(rpcerror.KindOverload, "connection saturated")
		call.finish()
		return call
	}

	id := c.nextID.Add(1)
	call.id = id

	timeout := time.Duration(c.defaultTimeout.Load())
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	err := c.reg.Register(id, timeout, func(res registry.Result) {
		c.adm.Release()
		c.loop.Load().Do(func() {
			call.Response = res.Payload
			call.Err = res.Err
			call.finish()
		})
	})
	if err != nil {
		c.adm.Release()
		call.Err = rpcerror.New(rpcerror.KindUndeclared, err.Error())
		call.finish()
		return call
	}

	fr := frame.Frame{
		Type:      frame.TypeRequest,
		RequestID: id,
		Method:    method,
		Payload:   payload,
	}
	if opts.EnableChecksum {
		fr.Flags |= frame.FlagChecksum
	}

	c.enqueue(sendReq{
		fr:      fr,
		setting: c.compression(),
		onSent: func(err error) {
			if err != nil {
				c.reg.Complete(id, registry.Result{
					Err: rpcerror.New(rpcerror.KindConnectionClosed, "request write failed"),
				})
				return
			}
			c.obs.RequestSent()
		},
	})
	return call
}

// Invoke issues a request-response call and waits. Cancelling ctx sends a
// best-effort CANCEL frame and resolves the call locally.
func (c *Channel) Invoke(ctx context.Context, method string, payload []byte, opts RpcOptions) ([]byte, error) {
	call := c.Go(method, payload, opts, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		c.cancelCall(call, ctx.Err())
		return nil, ctx.Err()
	case <-call.Done:
		return call.Response, call.Err
	}
}

// Oneway sends a request that expects no response. It resolves as soon as
// the frame is handed to the transport: success confirms local enqueue,
// not server completion. The admission slot is released at that point.
func (c *Channel) Oneway(method string, payload []byte, opts RpcOptions) error {
	if c.closed.Load() {
		return rpcerror.New(rpcerror.KindConnectionClosed, "channel is closed")
	}
	if !c.adm.TryAcquire() {
		return rpcerror.New(rpcerror.KindOverload, "connection saturated")
	}

	fr := frame.Frame{
		Type:      frame.TypeRequest,
		Flags:     frame.FlagOneway,
		RequestID: c.nextID.Add(1),
		Method:    method,
		Payload:   payload,
	}
	if opts.EnableChecksum {
		fr.Flags |= frame.FlagChecksum
	}

	errCh := make(chan error, 1)
	c.enqueue(sendReq{
		fr:      fr,
		setting: c.compression(),
		onSent: func(err error) {
			c.adm.Release()
			if err == nil {
				c.obs.RequestSent()
			}
			errCh <- err
		},
	})

	if err := <-errCh; err != nil {
		return rpcerror.New(rpcerror.KindConnectionClosed, "oneway write failed")
	}
	return nil
}

// PushMetadata sends a header block not correlated with any call.
func (c *Channel) PushMetadata(headers []frame.Header) error {
	if c.closed.Load() {
		return rpcerror.New(rpcerror.KindConnectionClosed, "channel is closed")
	}
	errCh := make(chan error, 1)
	c.enqueue(sendReq{
		fr:     frame.Frame{Type: frame.TypeMetadataPush, Headers: headers},
		onSent: func(err error) { errCh <- err },
	})
	return <-errCh
}

func (c *Channel) cancelCall(call *Call, reason error) {
	if call.id == 0 {
		return
	}
	// best effort: the peer may already be done; local completion wins
	c.enqueue(sendReq{
		fr:     frame.Frame{Type: frame.TypeCancel, RequestID: call.id},
		onSent: func(error) {},
	})
	c.reg.Complete(call.id, registry.Result{Err: reason})
}

// SetTimeout changes the default timeout for subsequent calls. Calls
// already pending keep the timeout they were issued with.
func (c *Channel) SetTimeout(d time.Duration) {
	c.defaultTimeout.Store(int64(d))
}

// SetMaxPendingRequests caps in-flight requests; 0 rejects everything.
func (c *Channel) SetMaxPendingRequests(n uint32) {
	c.adm.SetMax(n)
}

// SetCompressionAlgorithm selects the algorithm applied to outgoing
// payloads from the next frame on.
func (c *Channel) SetCompressionAlgorithm(alg compress.Algorithm) {
	c.cmpMu.Lock()
	c.cmp.Algorithm = alg
	c.cmpMu.Unlock()
}

// SetAutoCompressSizeLimit sets the payload size below which compression
// is skipped even when an algorithm is negotiated.
func (c *Channel) SetAutoCompressSizeLimit(bytes int) {
	c.cmpMu.Lock()
	c.cmp.MinBytes = bytes
	c.cmpMu.Unlock()
}

func (c *Channel) compression() compress.Setting {
	c.cmpMu.Lock()
	defer c.cmpMu.Unlock()
	return c.cmp
}

// Loop returns the execution context completions are delivered on.
func (c *Channel) Loop() *eventloop.Loop { return c.loop.Load() }

// MigrateLoop rebinds callback delivery to a new loop. It fails while any
// call is in flight: a completion racing the switch could otherwise fire
// on the old context.
func (c *Channel) MigrateLoop(l *eventloop.Loop) error {
	if c.reg.Pending() > 0 || c.adm.InFlight() > 0 {
		return rpcerror.New(rpcerror.KindLoopSwitch, "calls in flight on the current loop")
	}
	c.loop.Store(l)
	return nil
}

// Pending reports the number of registered in-flight calls.
func (c *Channel) Pending() int { return c.reg.Pending() }

// OnClose registers fn to run exactly once when the channel tears down.
// If the channel is already closed, fn runs immediately on the loop.
func (c *Channel) OnClose(fn func(error)) {
	c.onCloseMu.Lock()
	if c.closed.Load() {
		err := c.closeErr
		c.onCloseMu.Unlock()
		c.loop.Load().Do(func() { fn(err) })
		return
	}
	c.onClose = append(c.onClose, fn)
	c.onCloseMu.Unlock()
}

// Close tears the channel down immediately, failing every pending call
// with a connection-closed error.
func (c *Channel) Close() error {
	c.shutdown(rpcerror.New(rpcerror.KindConnectionClosed, "closed locally"))
	return nil
}

// enqueue hands a frame to the write loop, failing fast when the channel
// is already torn down. onSent is invoked exactly once on every path.
func (c *Channel) enqueue(req sendReq) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		req.onSent(errWriteClosed)
		return
	}
	select {
	case c.sendCh <- req:
	case <-c.stopped:
		req.onSent(errWriteClosed)
	}
}

func (c *Channel) shutdown(reason error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopped)
	_ = c.conn.Close()

	// fail whatever the write loop will never pick up
	c.sendMu.Lock()
	for {
		select {
		case req := <-c.sendCh:
			req.onSent(errWriteClosed)
			continue
		default:
		}
		break
	}
	c.sendMu.Unlock()

	c.reg.FailAll(rpcerror.New(rpcerror.KindConnectionClosed, "connection closed"))
	c.reg.Close()

	c.onCloseMu.Lock()
	callbacks := c.onClose
	c.onClose = nil
	c.closeErr = reason
	c.onCloseMu.Unlock()

	loop := c.loop.Load()
	for _, fn := range callbacks {
		fn := fn
		loop.Do(func() { fn(reason) })
	}
	c.obs.ConnClosed()

	if c.ownedLoop != nil {
		c.ownedLoop.Close()
	}
	c.log.Debug("channel closed", zap.Error(reason))
}

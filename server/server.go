package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/consts"
	"github.com/rocketmux/rocketmux/frame"
	"github.com/rocketmux/rocketmux/observer"
)

type Config struct {
	// QueueTimeout bounds how long a request may wait for a free handler
	// worker before a queue-timeout error is synthesized. Zero means
	// consts.DefaultQueueTimeout.
	QueueTimeout time.Duration
	// MaxResponseSize rejects oversized handler responses with a
	// response-too-big error. Zero means consts.DefaultMaxResponseSize.
	MaxResponseSize int
	// MaxFrameSize bounds inbound frames. Zero means
	// consts.DefaultMaxFrameSize.
	MaxFrameSize int
	// Workers caps concurrent handler invocations per connection.
	// Zero means unlimited, which also disables queue timeouts.
	Workers int
	// Compression applies to outgoing responses.
	Compression compress.Setting
	// ConnectionExpiry closes a connection with no inbound frames for
	// this long. Zero disables expiry.
	ConnectionExpiry time.Duration

	// OnMetadataPush receives header blocks pushed by clients.
	OnMetadataPush func(connID string, headers []frame.Header)

	Observer observer.Observer
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueTimeout == 0 {
		c.QueueTimeout = consts.DefaultQueueTimeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = consts.DefaultMaxResponseSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = consts.DefaultMaxFrameSize
	}
	if c.Observer == nil {
		c.Observer = observer.Noop{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Server struct {
	handler Handler
	cfg     Config
	mgr     *Manager
	log     *zap.Logger
}

func New(handler Handler, cfg Config) *Server {
	cfg = cfg.withDefaults()
	log := cfg.Logger.Named("server")
	return &Server{
		handler: handler,
		cfg:     cfg,
		mgr:     NewManager(cfg.Observer, log),
		log:     log,
	}
}

// Manager exposes the connection registry for stats and draining.
func (s *Server) Manager() *Manager { return s.mgr }

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		for {
			raw, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			conn, err := s.NewConn(raw)
			if err != nil {
				s.log.Error("setup connection", zap.Error(err))
				_ = raw.Close()
				continue
			}
			go func() {
				defer s.mgr.remove(conn)
				if err := conn.serve(ctx); err != nil {
					s.log.Warn("connection failed", zap.String("conn-id", conn.ID()), zap.Error(err))
				}
			}()
		}
	})
	err := g.Wait()
	s.mgr.CloseAll()
	return err
}

// ServeConn runs a single, already-established transport to completion.
func (s *Server) ServeConn(ctx context.Context, raw net.Conn) error {
	conn, err := s.NewConn(raw)
	if err != nil {
		return err
	}
	defer s.mgr.remove(conn)
	return conn.serve(ctx)
}

// NewConn wraps a transport into a managed server connection without
// running it. The caller is expected to call serve via ServeConn or use
// Serve; exposed so accept-time hooks can adjust per-connection settings
// (compression, limits) before any frame is processed.
func (s *Server) NewConn(raw net.Conn) (*Conn, error) {
	conn, err := newConn(uuid.NewString(), raw, s.handler, s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	s.mgr.add(conn)
	return conn, nil
}

// Run is ServeConn for a pre-built Conn returned by NewConn.
func (s *Server) Run(ctx context.Context, conn *Conn) error {
	defer s.mgr.remove(conn)
	return conn.serve(ctx)
}

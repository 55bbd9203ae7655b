package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/observer"
	obsprom "github.com/rocketmux/rocketmux/observer/prom"
	"github.com/rocketmux/rocketmux/rpcerror"
	"github.com/rocketmux/rocketmux/server"
)

type ServeCommand struct {
	Addr   string `default:":7878" help:"Listen address."`
	Config string `type:"existingfile" optional:"" help:"TOML config file."`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(b))
	return err
}

type serveConfig struct {
	Addr             string   `toml:"addr"`
	MetricsAddr      string   `toml:"metrics_addr"`
	QueueTimeout     duration `toml:"queue_timeout"`
	MaxResponseSize  int      `toml:"max_response_size"`
	Workers          int      `toml:"workers"`
	Compression      string   `toml:"compression"`
	MinCompressBytes int      `toml:"min_compress_bytes"`
	ConnectionExpiry duration `toml:"connection_expiry"`
}

func (s ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	fileCfg := serveConfig{Addr: s.Addr}
	if s.Config != "" {
		if _, err := toml.DecodeFile(s.Config, &fileCfg); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	alg, err := compress.ParseAlgorithm(fileCfg.Compression)
	if err != nil {
		return err
	}

	cfg := server.Config{
		QueueTimeout:     fileCfg.QueueTimeout.Duration,
		MaxResponseSize:  fileCfg.MaxResponseSize,
		Workers:          fileCfg.Workers,
		ConnectionExpiry: fileCfg.ConnectionExpiry.Duration,
		Compression: compress.Setting{
			Algorithm: alg,
			MinBytes:  fileCfg.MinCompressBytes,
		},
		Logger: log,
	}

	g, ctx := errgroup.WithContext(ctx)

	if fileCfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Observer = observer.Multi{obsprom.New(reg)}
		g.Go(func() error {
			return serveMetrics(ctx, fileCfg.MetricsAddr, reg)
		})
	}

	srv := server.New(newDemoService(), cfg)
	l, err := net.Listen("tcp", fileCfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("serving", zap.String("addr", fileCfg.Addr))

	g.Go(func() error { return srv.Serve(ctx, l) })
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// demoService mirrors the transport conformance workload: echo and greet
// payloads, a per-connection-independent accumulator, a sleeper, and both
// declared and undeclared failure modes.
type demoService struct {
	sum atomic.Int64
}

func newDemoService() *demoService { return &demoService{} }

func (d *demoService) Handle(ctx context.Context, req *server.Request) ([]byte, error) {
	switch req.Method {
	case "echo":
		return req.Payload, nil
	case "hello":
		return []byte("Hello, " + string(req.Payload)), nil
	case "add":
		n, err := strconv.ParseInt(string(req.Payload), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad addend %q: %w", req.Payload, err)
		}
		return []byte(strconv.FormatInt(d.sum.Add(n), 10)), nil
	case "sleep":
		ms, err := strconv.Atoi(string(req.Payload))
		if err != nil {
			return nil, fmt.Errorf("bad sleep duration %q: %w", req.Payload, err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, nil
	case "fail.declared":
		return nil, rpcerror.NewDeclared(req.Payload)
	case "fail.undeclared":
		return nil, fmt.Errorf("deliberate failure")
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/channel"
	"github.com/rocketmux/rocketmux/compress"
)

type CallCommand struct {
	Addr     string        `arg:"" help:"Target server address."`
	Method   string        `arg:"" help:"Method name."`
	Payload  string        `arg:"" optional:"" help:"Request payload."`
	Timeout  time.Duration `default:"10s" help:"Call timeout."`
	Oneway   bool          `help:"Fire and forget."`
	Compress string        `default:"none" help:"Payload compression: none, zstd or snappy."`
	Checksum bool          `help:"Checksum the request frame."`
}

func (c CallCommand) Run(ctx context.Context, log *zap.Logger) error {
	alg, err := compress.ParseAlgorithm(c.Compress)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := channel.New(conn, channel.Config{
		Timeout:     c.Timeout,
		Compression: compress.Setting{Algorithm: alg},
		Logger:      log,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(ctx) })
	g.Go(func() error {
		defer ch.Close()
		opts := channel.RpcOptions{EnableChecksum: c.Checksum}
		if c.Oneway {
			return ch.Oneway(c.Method, []byte(c.Payload), opts)
		}
		resp, err := ch.Invoke(ctx, c.Method, []byte(c.Payload), opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", resp)
		return nil
	})
	return g.Wait()
}

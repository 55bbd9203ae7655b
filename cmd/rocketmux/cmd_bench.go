package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketmux/rocketmux/channel"
	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/datasource"
	"github.com/rocketmux/rocketmux/observer"
	"github.com/rocketmux/rocketmux/pacer"
	"github.com/rocketmux/rocketmux/rpcerror"
)

type BenchCommand struct {
	Addr     string        `arg:"" help:"Target server address."`
	Requests string        `arg:"" type:"existingfile" help:"JSON-lines requests file."`
	Freq     uint64        `default:"0" help:"Requests per second, 0 for unlimited."`
	Count    int64         `default:"10000" help:"Total requests to issue."`
	Timeout  time.Duration `default:"10s" help:"Per-call timeout."`
	Compress string        `default:"none" help:"Payload compression: none, zstd or snappy."`
	MinBytes int           `default:"1024" help:"Auto-compress size limit."`
	Checksum bool          `help:"Checksum every frame."`

	RampFrom     float64       `default:"0" placeholder:"RPS" help:"Starting rate of a ramped run."`
	RampTo       float64       `default:"0" placeholder:"RPS" help:"Final rate of a ramped run."`
	RampDuration time.Duration `default:"0" help:"How long the ramp takes."`
}

func (b BenchCommand) pacer() (pacer.Pacer, error) {
	switch {
	case b.RampTo > 0:
		if b.RampDuration <= 0 {
			return nil, fmt.Errorf("--ramp-to needs --ramp-duration")
		}
		if b.RampTo == b.RampFrom {
			return nil, fmt.Errorf("a flat ramp is --freq")
		}
		return pacer.NewRamp(b.RampFrom, b.RampTo, b.RampDuration), nil
	case b.Freq > 0:
		return pacer.NewConstant(b.Freq)
	}
	return pacer.Unlimited{}, nil
}

func (b BenchCommand) Run(ctx context.Context, log *zap.Logger) error {
	reqs, err := datasource.LoadFile(b.Requests)
	if err != nil {
		return err
	}
	source := datasource.NewCyclic(reqs)

	alg, err := compress.ParseAlgorithm(b.Compress)
	if err != nil {
		return err
	}

	p, err := b.pacer()
	if err != nil {
		return err
	}
	p = pacer.NewWithLimit(p, b.Count)

	conn, err := net.Dial("tcp", b.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	counts := &observer.Counting{}
	ch, err := channel.New(conn, channel.Config{
		Timeout:     b.Timeout,
		Compression: compress.Setting{Algorithm: alg, MinBytes: b.MinBytes},
		Observer:    counts,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	var (
		bytesOut  atomic.Int64
		failed    atomic.Int64
		overload  atomic.Int64
		wg        sync.WaitGroup
	)
	opts := channel.RpcOptions{EnableChecksum: b.Checksum}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(ctx) })
	g.Go(func() error {
		defer ch.Close()
		var sent int64
		for ctx.Err() == nil {
			wait, ok := p.Next(sent)
			if !ok {
				break
			}
			if sleep := wait - time.Since(start); sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return nil
				}
			}

			req := source.Fetch()
			bytesOut.Add(int64(len(req.Payload)))
			wg.Add(1)
			call := ch.Go(req.Method, req.Payload, opts, make(chan *channel.Call, 1))
			go func() {
				defer wg.Done()
				<-call.Done
				if call.Err != nil {
					failed.Add(1)
					if rpcerror.IsKind(call.Err, rpcerror.KindOverload) {
						overload.Add(1)
					}
				}
			}()
			sent++
		}
		wg.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	sent := counts.Sent()
	fmt.Printf("sent:      %s requests (%s)\n", humanize.Comma(sent), humanize.Bytes(uint64(bytesOut.Load())))
	fmt.Printf("received:  %s responses\n", humanize.Comma(counts.Received()))
	fmt.Printf("failed:    %s (%s overloaded)\n", humanize.Comma(failed.Load()), humanize.Comma(overload.Load()))
	if secs := elapsed.Seconds(); secs > 0 && sent > 0 {
		fmt.Printf("rate:      %.1f req/s over %s\n", float64(sent)/secs, elapsed.Round(time.Millisecond))
	}
	return nil
}

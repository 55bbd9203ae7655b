package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"
)

var CLI struct {
	Serve ServeCommand      `cmd:"" help:"Run a demo RPC server."`
	Bench BenchCommand      `cmd:"" help:"Generate load against a server."`
	Call  CallCommand       `cmd:"" help:"Issue a single request."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
	Debug bool              `help:"Enable debug logging."`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`multiplexed request/response RPC over a single framed connection

rocketmux speaks a compact binary framing with per-call timeouts, admission
control, negotiated payload compression and checksum validation.
		`),
	)

	logCfg := zap.NewProductionConfig()
	if CLI.Debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	kongCtx.FatalIfErrorf(err)
	defer log.Sync() //nolint:errcheck

	kongCtx.Bind(log)
	err = kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}

package channel_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rocketmux/rocketmux/channel"
	"github.com/rocketmux/rocketmux/compress"
	"github.com/rocketmux/rocketmux/eventloop"
	"github.com/rocketmux/rocketmux/frame"
	"github.com/rocketmux/rocketmux/observer"
	"github.com/rocketmux/rocketmux/rpcerror"
	"github.com/rocketmux/rocketmux/server"
)

type testBackend struct {
	sum atomic.Int64
}

func (b *testBackend) Handle(ctx context.Context, req *server.Request) ([]byte, error) {
	switch req.Method {
	case "echo":
		return req.Payload, nil
	case "hello":
		return []byte("Hello, " + string(req.Payload)), nil
	case "add":
		n, err := strconv.ParseInt(string(req.Payload), 10, 64)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(b.sum.Add(n), 10)), nil
	case "sleep":
		d, err := time.ParseDuration(string(req.Payload))
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
			return []byte("slept"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "fail.declared":
		return nil, rpcerror.NewDeclared(req.Payload)
	case "fail.undeclared":
		return nil, errors.New("kaboom")
	}
	return nil, errors.New("unknown method: " + req.Method)
}

// startPair wires a channel to an in-process server over net.Pipe and
// tears both down at the end of the test.
func startPair(t *testing.T, srvCfg server.Config, chCfg channel.Config) (*channel.Channel, *server.Server) {
	t.Helper()
	log := zaptest.NewLogger(t)
	if srvCfg.Logger == nil {
		srvCfg.Logger = log
	}
	if chCfg.Logger == nil {
		chCfg.Logger = log
	}

	clientSide, serverSide := net.Pipe()
	srv := server.New(&testBackend{}, srvCfg)
	ch, err := channel.New(clientSide, chCfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = srv.ServeConn(ctx, serverSide)
	}()
	go func() {
		defer wg.Done()
		_ = ch.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = ch.Close()
		cancel()
		wg.Wait()
	})
	return ch, srv
}

func TestInvoke(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	resp, err := ch.Invoke(context.Background(), "echo", []byte("ping"), channel.RpcOptions{})
	a.NoError(err)
	a.Equal([]byte("ping"), resp)

	resp, err = ch.Invoke(context.Background(), "hello", []byte("world"), channel.RpcOptions{})
	a.NoError(err)
	a.Equal([]byte("Hello, world"), resp)
}

func TestDeclaredAndUndeclaredErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	_, err := ch.Invoke(context.Background(), "fail.declared", []byte("boom"), channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindDeclared))
	var re *rpcerror.Error
	a.ErrorAs(err, &re)
	a.Equal([]byte("boom"), re.Payload)

	_, err = ch.Invoke(context.Background(), "fail.undeclared", nil, channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindUndeclared))
	a.ErrorContains(err, "kaboom")
}

func TestSaturation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	ch.SetMaxPendingRequests(0)
	_, err := ch.Invoke(context.Background(), "add", []byte("3"), channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindOverload))

	// a rejected request never reaches the server: the accumulator is
	// untouched
	ch.SetMaxPendingRequests(1)
	resp, err := ch.Invoke(context.Background(), "add", []byte("3"), channel.RpcOptions{})
	a.NoError(err)
	a.Equal([]byte("3"), resp)

	resp, err = ch.Invoke(context.Background(), "add", []byte("3"), channel.RpcOptions{})
	a.NoError(err)
	a.Equal([]byte("6"), resp)
}

func TestOnewaySaturation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	ch.SetMaxPendingRequests(0)
	err := ch.Oneway("echo", []byte("dropped"), channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindOverload))

	// the slot comes back on local send, well before the server is done
	// with the request, so sequential onways fit in a single slot
	ch.SetMaxPendingRequests(1)
	a.NoError(ch.Oneway("sleep", []byte("100ms"), channel.RpcOptions{}))
	a.NoError(ch.Oneway("sleep", []byte("100ms"), channel.RpcOptions{}))
}

func TestPerCallTimeout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	start := time.Now()
	_, err := ch.Invoke(context.Background(), "sleep", []byte("5s"),
		channel.RpcOptions{Timeout: 50 * time.Millisecond})
	a.True(rpcerror.IsKind(err, rpcerror.KindTimeout))
	a.Less(time.Since(start), time.Second)
	a.Zero(ch.Pending())
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	ch.SetTimeout(50 * time.Millisecond)
	_, err := ch.Invoke(context.Background(), "sleep", []byte("5s"), channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindTimeout))
}

func TestCompressionAndChecksum(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{
		Compression: compress.Setting{Algorithm: compress.Zstd},
	}, channel.Config{})

	ch.SetCompressionAlgorithm(compress.Zstd)
	ch.SetAutoCompressSizeLimit(0)

	resp, err := ch.Invoke(context.Background(), "hello", []byte("snoopy"),
		channel.RpcOptions{EnableChecksum: true})
	a.NoError(err)
	a.Equal([]byte("Hello, snoopy"), resp)
}

func TestInvokeContextCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Invoke(ctx, "sleep", []byte("5s"), channel.RpcOptions{})
	a.ErrorIs(err, context.DeadlineExceeded)
}

func TestMigrateLoop(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	next := eventloop.New()
	defer next.Close()

	a.NoError(ch.MigrateLoop(next))
	a.Same(next, ch.Loop())

	stray := eventloop.New()
	defer stray.Close()
	call := ch.Go("sleep", []byte("200ms"), channel.RpcOptions{}, make(chan *channel.Call, 1))
	err := ch.MigrateLoop(stray)
	a.True(rpcerror.IsKind(err, rpcerror.KindLoopSwitch))
	a.Same(next, ch.Loop())

	<-call.Done
	a.NoError(call.Err)
}

func TestOnClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	fired := make(chan error, 1)
	ch.OnClose(func(err error) { fired <- err })
	a.NoError(ch.Close())

	select {
	case err := <-fired:
		a.True(rpcerror.IsKind(err, rpcerror.KindConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("close callback never fired")
	}

	// registering after close still delivers, immediately
	late := make(chan error, 1)
	ch.OnClose(func(err error) { late <- err })
	select {
	case err := <-late:
		a.True(rpcerror.IsKind(err, rpcerror.KindConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("late close callback never fired")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	call := ch.Go("sleep", []byte("5s"), channel.RpcOptions{}, make(chan *channel.Call, 1))
	time.Sleep(20 * time.Millisecond)
	a.NoError(ch.Close())

	<-call.Done
	a.True(rpcerror.IsKind(call.Err, rpcerror.KindConnectionClosed))

	_, err := ch.Invoke(context.Background(), "echo", nil, channel.RpcOptions{})
	a.True(rpcerror.IsKind(err, rpcerror.KindConnectionClosed))
	a.True(rpcerror.IsKind(ch.Oneway("echo", nil, channel.RpcOptions{}), rpcerror.KindConnectionClosed))
}

func TestObserverCounts(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	counts := &observer.Counting{}
	ch, _ := startPair(t, server.Config{}, channel.Config{Observer: counts})

	for i := 0; i < 5; i++ {
		_, err := ch.Invoke(context.Background(), "echo", []byte("n"), channel.RpcOptions{})
		a.NoError(err)
	}
	a.Equal(int64(5), counts.Sent())
	a.Equal(int64(5), counts.Received())
}

func TestKeepaliveKeepsConnectionHealthy(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{
		KeepaliveInterval: 10 * time.Millisecond,
	})

	time.Sleep(100 * time.Millisecond)
	resp, err := ch.Invoke(context.Background(), "echo", []byte("still here"), channel.RpcOptions{})
	a.NoError(err)
	a.Equal([]byte("still here"), resp)
}

func TestMetadataPushBothWays(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	fromClient := make(chan []frame.Header, 1)
	fromServer := make(chan []frame.Header, 1)
	ch, srv := startPair(t, server.Config{
		OnMetadataPush: func(_ string, headers []frame.Header) { fromClient <- headers },
	}, channel.Config{
		OnMetadataPush: func(headers []frame.Header) { fromServer <- headers },
	})

	a.NoError(ch.PushMetadata([]frame.Header{{Name: "compression", Value: "zstd"}}))
	select {
	case headers := <-fromClient:
		a.Equal([]frame.Header{{Name: "compression", Value: "zstd"}}, headers)
	case <-time.After(time.Second):
		t.Fatal("server never saw the metadata push")
	}

	srv.Manager().Each(func(c *server.Conn) {
		c.PushMetadata([]frame.Header{{Name: "drain-after", Value: "60s"}})
	})
	select {
	case headers := <-fromServer:
		a.Equal([]frame.Header{{Name: "drain-after", Value: "60s"}}, headers)
	case <-time.After(time.Second):
		t.Fatal("client never saw the metadata push")
	}
}

func TestConcurrentCalls(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ch, _ := startPair(t, server.Config{}, channel.Config{})

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	var failed atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			payload := []byte(strconv.Itoa(i))
			resp, err := ch.Invoke(context.Background(), "echo", payload, channel.RpcOptions{})
			if err != nil || string(resp) != string(payload) {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	a.Zero(failed.Load())
	a.Zero(ch.Pending())
}

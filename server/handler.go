// Package server implements the accepting side of the multiplexed RPC
// transport: per-connection frame dispatch into an application handler,
// queue timeouts, response size limits and connection lifecycle tracking.
package server

import (
	"context"
	"net"

	"github.com/rocketmux/rocketmux/frame"
)

// Request is one decoded application request.
type Request struct {
	Method  string
	Headers []frame.Header
	Payload []byte
	Oneway  bool
}

// Handler is the application boundary. Returning a *rpcerror.Error with
// KindDeclared marks an expected, contract-enumerated failure; any other
// error is surfaced to the client as undeclared. The ctx is cancelled on
// CANCEL frames and on connection teardown.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

type connInfoKey struct{}

// ConnInfo is the per-connection metadata available to handlers through
// their context.
type ConnInfo struct {
	ID       string
	PeerAddr net.Addr
}

func withConnInfo(ctx context.Context, info ConnInfo) context.Context {
	return context.WithValue(ctx, connInfoKey{}, info)
}

// ConnInfoFromContext returns the metadata of the connection the request
// arrived on.
func ConnInfoFromContext(ctx context.Context) (ConnInfo, bool) {
	info, ok := ctx.Value(connInfoKey{}).(ConnInfo)
	return info, ok
}

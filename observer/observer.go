// Package observer defines the connection lifecycle and traffic callbacks
// exposed by channels and server connections. Callbacks are invoked
// synchronously on the connection's execution context and must not block.
package observer

import "sync/atomic"

type Observer interface {
	ConnAccepted()
	ConnClosed()
	ActiveConnections(n int)
	RequestSent()
	ResponseReceived()
}

type Noop struct{}

func (Noop) ConnAccepted()         {}
func (Noop) ConnClosed()           {}
func (Noop) ActiveConnections(int) {}
func (Noop) RequestSent()          {}
func (Noop) ResponseReceived()     {}

// Counting is an Observer accumulating plain counters. Handy for tests
// and for the bench report.
type Counting struct {
	accepted atomic.Int64
	closed   atomic.Int64
	active   atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
}

func (c *Counting) ConnAccepted()           { c.accepted.Add(1) }
func (c *Counting) ConnClosed()             { c.closed.Add(1) }
func (c *Counting) ActiveConnections(n int) { c.active.Store(int64(n)) }
func (c *Counting) RequestSent()            { c.sent.Add(1) }
func (c *Counting) ResponseReceived()       { c.received.Add(1) }

func (c *Counting) Accepted() int64 { return c.accepted.Load() }
func (c *Counting) Closed() int64   { return c.closed.Load() }
func (c *Counting) Active() int64   { return c.active.Load() }
func (c *Counting) Sent() int64     { return c.sent.Load() }
func (c *Counting) Received() int64 { return c.received.Load() }

// Multi fans callbacks out to several observers.
type Multi []Observer

func (m Multi) ConnAccepted() {
	for _, o := range m {
		o.ConnAccepted()
	}
}

func (m Multi) ConnClosed() {
	for _, o := range m {
		o.ConnClosed()
	}
}

func (m Multi) ActiveConnections(n int) {
	for _, o := range m {
		o.ActiveConnections(n)
	}
}

func (m Multi) RequestSent() {
	for _, o := range m {
		o.RequestSent()
	}
}

func (m Multi) ResponseReceived() {
	for _, o := range m {
		o.ResponseReceived()
	}
}

// Package admission enforces the per-connection cap on concurrently
// in-flight requests. There is no queueing: a request that does not fit
// is rejected immediately and no bytes reach the wire.
package admission

import (
	"math"
	"sync"
)

// NoLimit makes TryAcquire always succeed.
const NoLimit = math.MaxUint32

type Controller struct {
	mu      sync.Mutex
	current uint32
	max     uint32
}

func New(max uint32) *Controller {
	return &Controller{max: max}
}

// TryAcquire is a single atomic check-and-increment. false means the
// connection is saturated; the caller must fail the request without
// touching the transport.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current >= c.max {
		return false
	}
	c.current++
	return true
}

// Release gives an admission slot back. Exactly one Release must follow
// every successful TryAcquire, whichever way the request ends.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == 0 {
		panic("admission: release without acquire")
	}
	c.current--
}

// SetMax takes effect for the next TryAcquire. Lowering it below the
// current in-flight count rejects new requests until enough slots drain.
func (c *Controller) SetMax(max uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = max
}

func (c *Controller) Max() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *Controller) InFlight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

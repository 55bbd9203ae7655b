// Package registry tracks pending client calls per connection. Every
// registered call completes exactly once: response arrival, error arrival,
// timeout firing and connection close race for the same entry, and
// whichever removes it first delivers the result. The rest are no-ops.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rocketmux/rocketmux/rpcerror"
)

var ErrDuplicateID = errors.New("registry: duplicate request id")

// Result is what a pending call resolves with. Exactly one of Payload and
// Err is meaningful.
type Result struct {
	Payload []byte
	Err     error
}

type call struct {
	fn func(Result)
}

const shardCount = 16 // must be a power of two

type shard struct {
	mu sync.Mutex
	m  map[uint32]*call
}

type Registry struct {
	shards   [shardCount]shard
	timeouts *timeoutQueue
	log      *zap.Logger

	swept sync.WaitGroup
}

func New(log *zap.Logger) *Registry {
	r := &Registry{
		timeouts: newTimeoutQueue(),
		log:      log.Named("registry"),
	}
	for i := range r.shards {
		r.shards[i].m = make(map[uint32]*call, 64)
	}
	r.swept.Add(1)
	go r.sweep()
	return r
}

func (r *Registry) shard(id uint32) *shard {
	return &r.shards[id&(shardCount-1)]
}

// Register adds a pending call. The callback is invoked exactly once, from
// whichever goroutine completes the call first.
func (r *Registry) Register(id uint32, timeout time.Duration, fn func(Result)) error {
	s := r.shard(id)
	s.mu.Lock()
	if _, ok := s.m[id]; ok {
		s.mu.Unlock()
		r.log.Error("duplicate request id", zap.Uint32("request-id", id))
		return ErrDuplicateID
	}
	s.m[id] = &call{fn: fn}
	s.mu.Unlock()

	r.timeouts.Add(id, time.Now().Add(timeout))
	return nil
}

// Complete resolves a pending call. Returns false if the id is not
// pending, which callers treat as a late or unknown completion and ignore.
func (r *Registry) Complete(id uint32, res Result) bool {
	c := r.take(id)
	if c == nil {
		return false
	}
	c.fn(res)
	return true
}

func (r *Registry) take(id uint32) *call {
	s := r.shard(id)
	s.mu.Lock()
	c := s.m[id]
	if c != nil {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return c
}

func (r *Registry) Pending() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// FailAll resolves every pending call with err. Used on connection close.
func (r *Registry) FailAll(err error) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		calls := s.m
		s.m = make(map[uint32]*call)
		s.mu.Unlock()

		for _, c := range calls {
			c.fn(Result{Err: err})
		}
	}
}

// Close stops the timeout sweeper. Pending calls are left untouched; call
// FailAll first on teardown.
func (r *Registry) Close() {
	r.timeouts.Close()
	r.swept.Wait()
}

// sweep is the only place a timeout fires, which together with take's
// single-removal guarantees at most one timeout completion per call.
func (r *Registry) sweep() {
	defer r.swept.Done()
	for {
		id, ok := r.timeouts.Next()
		if !ok {
			return
		}
		c := r.take(id)
		if c == nil {
			continue // completed before the deadline
		}
		c.fn(Result{Err: rpcerror.New(rpcerror.KindTimeout, "request timed out")})
	}
}

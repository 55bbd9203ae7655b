package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/rocketmux/rocketmux/rpcerror"
)

func TestCompleteDeliversOnce(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	r := New(zaptest.NewLogger(t))
	defer r.Close()

	var calls atomic.Int32
	var got Result
	a.NoError(r.Register(1, time.Minute, func(res Result) {
		calls.Add(1)
		got = res
	}))
	a.Equal(1, r.Pending())

	a.True(r.Complete(1, Result{Payload: []byte("ok")}))
	a.False(r.Complete(1, Result{Payload: []byte("again")}))
	a.Equal(int32(1), calls.Load())
	a.Equal([]byte("ok"), got.Payload)
	a.Zero(r.Pending())
}

func TestDuplicateID(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	r := New(zaptest.NewLogger(t))
	defer r.Close()

	a.NoError(r.Register(7, time.Minute, func(Result) {}))
	a.ErrorIs(r.Register(7, time.Minute, func(Result) {}), ErrDuplicateID)
	a.Equal(1, r.Pending())
}

func TestTimeoutsFireExactlyOnce(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	r := New(zaptest.NewLogger(t))
	defer r.Close()

	const n = 1000
	var (
		wg       sync.WaitGroup
		timeouts atomic.Int32
		fired    [n]atomic.Int32
	)
	wg.Add(n)
	for i := uint32(0); i < n; i++ {
		i := i
		a.NoError(r.Register(i, time.Millisecond, func(res Result) {
			defer wg.Done()
			fired[i].Add(1)
			if rpcerror.IsKind(res.Err, rpcerror.KindTimeout) {
				timeouts.Add(1)
			}
		}))
	}
	wg.Wait()

	a.Equal(int32(n), timeouts.Load())
	a.Zero(r.Pending())
	for i := range fired {
		a.Equal(int32(1), fired[i].Load())
	}
}

func TestCompletionBeatsTimeout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	r := New(zaptest.NewLogger(t))
	defer r.Close()

	var calls atomic.Int32
	a.NoError(r.Register(3, 10*time.Millisecond, func(Result) { calls.Add(1) }))
	a.True(r.Complete(3, Result{Payload: []byte("fast")}))

	// give the sweeper time to reach the stale deadline
	time.Sleep(50 * time.Millisecond)
	a.Equal(int32(1), calls.Load())
}

func TestFailAll(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	r := New(zaptest.NewLogger(t))
	defer r.Close()

	errClosed := errors.New("closed")
	var failed atomic.Int32
	for i := uint32(0); i < 40; i++ {
		a.NoError(r.Register(i, time.Minute, func(res Result) {
			if errors.Is(res.Err, errClosed) {
				failed.Add(1)
			}
		}))
	}

	r.FailAll(errClosed)
	a.Equal(int32(40), failed.Load())
	a.Zero(r.Pending())

	// nothing left to complete
	a.False(r.Complete(0, Result{}))
}

package client

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// defaultRequestTimeout bounds how long a request may stay pending before
// the sweep evicts it.
const defaultRequestTimeout = 30 * time.Second

// RequestOutcome is delivered to awaiting callers when their pending
// request resolves, fails, or times out. Exactly one of Response and Err
// is set.
type RequestOutcome struct {
	Response any
	Err      error
}

type pendingRequest struct {
	startedAt time.Time
	done      chan RequestOutcome
}

func (p *pendingRequest) deliver(out RequestOutcome) {
	if p.done == nil {
		return
	}
	select {
	case p.done <- out:
	default:
	}
}

// RequestTracker correlates in-flight request ids with the server replies
// that carry them back. All methods are safe for concurrent use from the
// dispatch loop and caller goroutines.
type RequestTracker struct {
	pending *xsync.MapOf[uint32, *pendingRequest]
	timeout atomic.Int64
}

func NewRequestTracker() *RequestTracker {
	t := &RequestTracker{
		pending: xsync.NewMapOf[uint32, *pendingRequest](),
	}
	t.timeout.Store(int64(defaultRequestTimeout))
	return t
}

// SetTimeout replaces the pending-request timeout used by CheckTimeouts.
func (t *RequestTracker) SetTimeout(d time.Duration) {
	t.timeout.Store(int64(d))
}

// Timeout returns the current pending-request timeout.
func (t *RequestTracker) Timeout() time.Duration {
	return time.Duration(t.timeout.Load())
}

// AddPending records id as in flight without an awaiting caller.
func (t *RequestTracker) AddPending(id uint32) {
	t.pending.Store(id, &pendingRequest{startedAt: time.Now()})
}

// AddPendingWait records id as in flight and returns the channel its
// outcome will be delivered on. The channel is buffered; delivery never
// blocks the dispatch loop.
func (t *RequestTracker) AddPendingWait(id uint32) <-chan RequestOutcome {
	done := make(chan RequestOutcome, 1)
	t.pending.Store(id, &pendingRequest{startedAt: time.Now(), done: done})
	return done
}

// Resolve completes the pending request id with response. It reports false
// when id is unknown or already resolved, so duplicate replies are inert.
func (t *RequestTracker) Resolve(id uint32, response any) bool {
	p, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.deliver(RequestOutcome{Response: response})
	return true
}

// Fail completes the pending request id with err. It reports false when id
// is unknown or already resolved.
func (t *RequestTracker) Fail(id uint32, err error) bool {
	p, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.deliver(RequestOutcome{Err: err})
	return true
}

// CheckTimeouts evicts every request pending longer than the configured
// timeout, delivering a TimeoutError to awaiting callers, and returns the
// evicted ids.
func (t *RequestTracker) CheckTimeouts() []uint32 {
	limit := t.Timeout()
	now := time.Now()
	var expired []uint32
	t.pending.Range(func(id uint32, p *pendingRequest) bool {
		if now.Sub(p.startedAt) <= limit {
			return true
		}
		if _, ok := t.pending.LoadAndDelete(id); ok {
			p.deliver(RequestOutcome{Err: &TimeoutError{RequestID: id, After: limit}})
			expired = append(expired, id)
		}
		return true
	})
	return expired
}

// Pending returns the number of in-flight requests.
func (t *RequestTracker) Pending() int {
	return t.pending.Size()
}

// FailAll evicts every pending request with err. Used when the connection
// is lost and no reply can arrive anymore.
func (t *RequestTracker) FailAll(err error) {
	t.pending.Range(func(id uint32, p *pendingRequest) bool {
		if _, ok := t.pending.LoadAndDelete(id); ok {
			p.deliver(RequestOutcome{Err: err})
		}
		return true
	})
}

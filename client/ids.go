package client

import "sync/atomic"

// idWrapLimit is the largest id handed out before the counter wraps back
// to 1. Ids stay in the positive int32 range so that servers treating them
// as signed never see a negative or zero id.
const idWrapLimit = 1<<31 - 1

type idGenerator struct {
	counter atomic.Uint32
}

func (g *idGenerator) next() uint32 {
	for {
		cur := g.counter.Load()
		next := cur + 1
		if cur >= idWrapLimit {
			next = 1
		}
		if g.counter.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// RequestIDGenerator issues request ids unique within a connection. The
// zero value is ready to use and safe for concurrent callers.
type RequestIDGenerator struct {
	gen idGenerator
}

// Next returns the next request id, wrapping from 2^31-1 back to 1.
func (g *RequestIDGenerator) Next() uint32 { return g.gen.next() }

// QueryIDGenerator issues query ids unique within a connection. The zero
// value is ready to use and safe for concurrent callers.
type QueryIDGenerator struct {
	gen idGenerator
}

// Next returns the next query id, wrapping from 2^31-1 back to 1.
func (g *QueryIDGenerator) Next() QueryID { return QueryID{ID: g.gen.next()} }

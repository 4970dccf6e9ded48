// Package async provides a single-assignment promise primitive used to
// sequence non-blocking operations across the request pipeline.
package async

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPromiseCycle is the rejection reason used when a promise would adopt a
// promise whose settlement ultimately depends on itself.
var ErrPromiseCycle = errors.New("async: promise resolution cycle")

type promiseState int32

const (
	statePending promiseState = iota
	stateFulfilled
	stateRejected
)

// settleState outlives the promise for unhandled-rejection reporting. It is
// handed to the runtime cleanup, which must not reference the promise itself.
type settleState struct {
	err      error
	observed atomic.Bool
}

// Promise is a single-assignment container for an eventual value of type T.
// It settles exactly once; a second Resolve or Reject through the owning
// Deferred is a no-op. Continuations registered on the same promise run in
// registration order, each exactly once, and never synchronously inside the
// call that settled the promise.
type Promise[T any] struct {
	mu       sync.Mutex
	state    promiseState
	value    T
	st       *settleState
	cbs      []func()
	draining bool

	// adoptee is the promise this one is currently adopting, used to detect
	// resolution cycles across FlatMap chains.
	adoptee any
}

// promiseNode lets cycle detection walk adoption links across promises whose
// type parameters differ.
type promiseNode interface {
	adoptionTarget() any
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{st: &settleState{}}
}

func (p *Promise[T]) adoptionTarget() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adoptee
}

// fulfill settles the promise with a value. Returns false when already settled.
func (p *Promise[T]) fulfill(v T) bool {
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return false
	}
	p.state = stateFulfilled
	p.value = v
	p.startDrainLocked()
	p.mu.Unlock()
	return true
}

// fail settles the promise with a rejection reason. Returns false when already
// settled.
func (p *Promise[T]) fail(err error) bool {
	if err == nil {
		err = errors.New("async: promise rejected with nil error")
	}
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return false
	}
	p.state = stateRejected
	p.st.err = err
	p.startDrainLocked()
	p.mu.Unlock()

	// Report the rejection if nothing ever looked at it by the time the
	// promise becomes unreachable.
	runtime.AddCleanup(p, func(st *settleState) {
		if !st.observed.Load() {
			reportUnhandled(st.err)
		}
	}, p.st)
	return true
}

// subscribe registers a continuation. It runs after settlement, in
// registration order relative to other continuations on this promise.
func (p *Promise[T]) subscribe(cb func()) {
	p.mu.Lock()
	p.cbs = append(p.cbs, cb)
	if p.state != statePending {
		p.startDrainLocked()
	}
	p.mu.Unlock()
}

func (p *Promise[T]) startDrainLocked() {
	if p.draining || len(p.cbs) == 0 {
		return
	}
	p.draining = true
	go p.drain()
}

func (p *Promise[T]) drain() {
	for {
		p.mu.Lock()
		if len(p.cbs) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		cb := p.cbs[0]
		p.cbs = p.cbs[1:]
		p.mu.Unlock()
		cb()
	}
}

func (p *Promise[T]) markObserved() {
	p.st.observed.Store(true)
}

// result reads the settled outcome. Only valid after settlement.
func (p *Promise[T]) result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.st.err
}

// Await blocks until the promise settles or ctx is done. Awaiting counts as
// observing the rejection for unhandled-rejection reporting.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	p.markObserved()
	done := make(chan struct{})
	p.subscribe(func() { close(done) })
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-done:
	}
	return p.result()
}

// Then registers a same-type continuation and returns a promise settled by its
// outcome. A rejected input bypasses fn and rejects the returned promise.
func (p *Promise[T]) Then(fn func(T) (T, error)) *Promise[T] {
	return Map(p, fn)
}

// Deferred is the producer side of a Promise.
type Deferred[T any] struct {
	p *Promise[T]
}

// NewDeferred creates a pending promise with its producer handle.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{p: newPromise[T]()}
}

// Promise returns the consumer side.
func (d *Deferred[T]) Promise() *Promise[T] { return d.p }

// Resolve fulfills the promise. Returns false if already settled.
func (d *Deferred[T]) Resolve(v T) bool { return d.p.fulfill(v) }

// Reject rejects the promise. Returns false if already settled.
func (d *Deferred[T]) Reject(err error) bool { return d.p.fail(err) }

// Resolved returns a promise already fulfilled with v.
func Resolved[T any](v T) *Promise[T] {
	p := newPromise[T]()
	p.fulfill(v)
	return p
}

// Rejected returns a promise already rejected with err.
func Rejected[T any](err error) *Promise[T] {
	p := newPromise[T]()
	p.fail(err)
	return p
}

// Map chains fn onto p, producing a promise of the mapped type. Rejections
// propagate past fn; the returned promise takes over responsibility for
// observing them.
func Map[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	p.markObserved()
	child := newPromise[U]()
	p.subscribe(func() {
		v, err := p.result()
		if err != nil {
			child.fail(err)
			return
		}
		out, err := fn(v)
		if err != nil {
			child.fail(err)
			return
		}
		child.fulfill(out)
	})
	return child
}

// FlatMap chains fn onto p and adopts the promise fn returns: the result
// settles the same way the inner promise does. Adopting a promise that
// depends on the result itself rejects with ErrPromiseCycle.
func FlatMap[T, U any](p *Promise[T], fn func(T) *Promise[U]) *Promise[U] {
	p.markObserved()
	child := newPromise[U]()
	p.subscribe(func() {
		v, err := p.result()
		if err != nil {
			child.fail(err)
			return
		}
		inner := fn(v)
		if inner == nil {
			child.fail(errors.New("async: flatmap returned nil promise"))
			return
		}
		adopt(child, inner)
	})
	return child
}

// adopt settles child with inner's eventual outcome after checking that the
// adoption chain does not loop back to child.
func adopt[U any](child, inner *Promise[U]) {
	if cyclic(child, inner) {
		child.fail(ErrPromiseCycle)
		return
	}
	child.mu.Lock()
	child.adoptee = inner
	child.mu.Unlock()
	inner.markObserved()
	inner.subscribe(func() {
		v, err := inner.result()
		if err != nil {
			child.fail(err)
			return
		}
		child.fulfill(v)
	})
}

// cyclic walks adoption links from inner looking for child.
func cyclic(child, inner any) bool {
	seen := 0
	for node := inner; node != nil; seen++ {
		if node == child || seen > 1000 {
			return true
		}
		pn, ok := node.(promiseNode)
		if !ok {
			return false
		}
		node = pn.adoptionTarget()
	}
	return false
}

// Catch registers a rejection handler. A fulfilled input passes through
// untouched; a rejected input is handed to fn, whose return settles the
// result.
func Catch[T any](p *Promise[T], fn func(error) (T, error)) *Promise[T] {
	p.markObserved()
	child := newPromise[T]()
	p.subscribe(func() {
		v, err := p.result()
		if err == nil {
			child.fulfill(v)
			return
		}
		out, err := fn(err)
		if err != nil {
			child.fail(err)
			return
		}
		child.fulfill(out)
	})
	return child
}

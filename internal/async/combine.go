package async

import (
	"errors"
	"sync"
)

// All returns a promise fulfilled with every input's value, in input order,
// once all inputs fulfill. The first rejection rejects the result immediately;
// sibling operations keep running but their outcomes are discarded.
func All[T any](ps ...*Promise[T]) *Promise[[]T] {
	if len(ps) == 0 {
		return Resolved([]T{})
	}
	d := NewDeferred[[]T]()
	var (
		mu      sync.Mutex
		results = make([]T, len(ps))
		pending = len(ps)
	)
	for i, p := range ps {
		i, p := i, p
		p.markObserved()
		p.subscribe(func() {
			v, err := p.result()
			if err != nil {
				d.Reject(err)
				return
			}
			mu.Lock()
			results[i] = v
			pending--
			done := pending == 0
			mu.Unlock()
			if done {
				d.Resolve(results)
			}
		})
	}
	return d.Promise()
}

// Any returns a promise fulfilled with the first fulfillment among the
// inputs. It rejects only when every input rejects, with the reasons joined
// in input order.
func Any[T any](ps ...*Promise[T]) *Promise[T] {
	if len(ps) == 0 {
		return Rejected[T](errors.New("async: any of zero promises"))
	}
	d := NewDeferred[T]()
	var (
		mu      sync.Mutex
		reasons = make([]error, len(ps))
		pending = len(ps)
	)
	for i, p := range ps {
		i, p := i, p
		p.markObserved()
		p.subscribe(func() {
			v, err := p.result()
			if err == nil {
				d.Resolve(v)
				return
			}
			mu.Lock()
			reasons[i] = err
			pending--
			done := pending == 0
			mu.Unlock()
			if done {
				d.Reject(errors.Join(reasons...))
			}
		})
	}
	return d.Promise()
}

// AllInOrder runs the factories strictly sequentially: each factory is
// invoked only after the promise produced by the previous one fulfills.
// The first rejection rejects the result and no later factory is invoked.
// Used where side-effect ordering matters, such as unwinding nested
// transaction levels.
func AllInOrder[T any](factories ...func() *Promise[T]) *Promise[[]T] {
	d := NewDeferred[[]T]()
	results := make([]T, 0, len(factories))

	var step func(i int)
	step = func(i int) {
		if i >= len(factories) {
			d.Resolve(results)
			return
		}
		p := factories[i]()
		if p == nil {
			d.Reject(errors.New("async: sequence factory returned nil promise"))
			return
		}
		p.markObserved()
		p.subscribe(func() {
			v, err := p.result()
			if err != nil {
				d.Reject(err)
				return
			}
			results = append(results, v)
			step(i + 1)
		})
	}
	step(0)
	return d.Promise()
}

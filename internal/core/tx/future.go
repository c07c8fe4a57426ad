package tx

import (
	"context"
)

// Future is the pending outcome of a dispatched command. It settles exactly once.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a future that has already settled with err.
func Failed(err error) *Future {
	return failedFuture(err)
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(Result{}, err)
	return f
}

func (f *Future) resolve(res Result, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// Done is closed once the command has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command settles.
func (f *Future) Wait() (Result, error) {
	<-f.done
	return f.res, f.err
}

// Err blocks until the command settles and returns its failure, if any.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Await is Wait bounded by ctx. Giving up does not cancel the command: it
// stays in flight and the transaction still waits for it.
func (f *Future) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitAll waits for every future and returns their results in argument order
// together with the first failure in that order.
func WaitAll(futures ...*Future) ([]Result, error) {
	results := make([]Result, len(futures))
	var firstErr error
	for i, f := range futures {
		res, err := f.Wait()
		results[i] = res
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

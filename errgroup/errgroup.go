// Package errgroup runs a bounded set of goroutines that share a
// cancellation context and report the first failure.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/runtime"
)

// ErrPanicRecovered is returned by Wait when a member goroutine panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group collects goroutines. The zero value is usable and unbounded.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
	sem     chan struct{}
}

// WithContext returns a Group whose derived context is canceled on the
// first error or when Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger attaches a logger used when a member panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit bounds the number of goroutines running at once. A value below
// one removes the bound. Must be called before the first Go.
func (grp *Group) SetLimit(n int) {
	if n < 1 {
		grp.sem = nil
		return
	}

	grp.sem = make(chan struct{}, n)
}

func (grp *Group) context() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Go runs fn in a new goroutine, blocking first while the limit is reached.
func (grp *Group) Go(fn func() error) {
	if grp.sem != nil {
		grp.sem <- struct{}{}
	}

	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if grp.sem != nil {
				<-grp.sem
			}
		}()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.context(), grp.logger, recovered, "errgroup", "group.Go")
				grp.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.fail(err)
		}
	}()
}

// Wait blocks until every member returns and yields the first error.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}

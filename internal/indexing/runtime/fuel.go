package runtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// meteredContext charges one unit of fuel every time the VM polls Done,
// which gopher-lua does once per instruction. When the fuel runs out, or the
// parent is done, Done is closed and the VM raises at the next instruction.
type meteredContext struct {
	context.Context
	remaining atomic.Int64
	exhausted atomic.Bool
	done      chan struct{}
	stop      chan struct{}
	once      sync.Once
}

func newMeteredContext(parent context.Context, fuel int64) *meteredContext {
	c := &meteredContext{
		Context: parent,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.remaining.Store(fuel)
	go func() {
		select {
		case <-parent.Done():
			c.close()
		case <-c.stop:
		}
	}()
	return c
}

func (c *meteredContext) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *meteredContext) Done() <-chan struct{} {
	c.charge(1)
	return c.done
}

func (c *meteredContext) Err() error {
	if c.exhausted.Load() {
		return ErrFuelExhausted
	}
	select {
	case <-c.done:
		return c.Context.Err()
	default:
		return nil
	}
}

// charge consumes n units and reports whether fuel remains.
func (c *meteredContext) charge(n int64) bool {
	if c.remaining.Add(-n) < 0 {
		c.exhausted.Store(true)
		c.close()
		return false
	}
	return true
}

// used returns how much fuel was consumed out of budget.
func (c *meteredContext) used(budget int64) int64 {
	left := c.remaining.Load()
	if left < 0 {
		return budget
	}
	return budget - left
}

func (c *meteredContext) release() {
	close(c.stop)
}

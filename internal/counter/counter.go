// Package counter provides a small atomic counter shared by the
// backpressure limiter, upstream nodes and redirect instances.
package counter

import "sync/atomic"

// Counter is an atomic uint64 counter. The zero value is ready to use.
type Counter struct {
	value atomic.Uint64
}

func (c *Counter) Store(n uint64) { c.value.Store(n) }

func (c *Counter) Load() uint64 { return c.value.Load() }

func (c *Counter) Dec() { c.value.Add(^uint64(0)) }

// Inc increments and returns the new value.
func (c *Counter) Inc() uint64 { return c.value.Add(1) }
